package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atinyakov/secretsync/internal/generator"
	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/tree"
)

// Encryptor seals and opens secret values.
type Encryptor interface {
	Encrypt(plain []byte) (models.EncryptedValue, error)
	Decrypt(v models.EncryptedValue) ([]byte, error)
}

// ErrEmptyValue is returned by Reveal for nodes that hold no value.
var ErrEmptyValue = errors.New("node has no value")

// SecretService applies user edits to the secret tree, encrypting values on
// the way in and decrypting them only on demand.
type SecretService struct {
	tree *tree.Tree
	enc  Encryptor
	gen  *generator.Generator
}

// NewSecretService constructs a SecretService. A nil gen uses crypto/rand.
func NewSecretService(t *tree.Tree, enc Encryptor, gen *generator.Generator) *SecretService {
	if gen == nil {
		gen = generator.New(nil)
	}
	return &SecretService{tree: t, enc: enc, gen: gen}
}

// Resolve finds a live node by id or by its slash separated path.
func (s *SecretService) Resolve(ref string) (tree.SecretNode, error) {
	ref = strings.TrimSpace(ref)
	if n, err := s.tree.GetNode(ref); err == nil {
		return n, nil
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	ref = strings.TrimSuffix(ref, "/")
	if ref == "" {
		return s.tree.Root(), nil
	}
	for path, n := range s.tree.Walk() {
		if path == ref {
			return n, nil
		}
	}
	return tree.SecretNode{}, tree.ErrNotFound
}

// Create adds a node under parentID. An empty plain leaves the value unset.
func (s *SecretService) Create(parentID, name string, plain []byte) (tree.SecretNode, error) {
	var v models.EncryptedValue
	if len(plain) > 0 {
		var err error
		if v, err = s.enc.Encrypt(plain); err != nil {
			return tree.SecretNode{}, fmt.Errorf("encrypt: %w", err)
		}
	}
	return s.tree.Upsert(parentID, tree.SecretNode{Name: name, Value: v})
}

// Rename changes the display name of a node.
func (s *SecretService) Rename(id, name string) (tree.SecretNode, error) {
	n, err := s.tree.GetNode(id)
	if err != nil {
		return tree.SecretNode{}, err
	}
	n.Name = name
	return s.tree.Upsert(n.ParentID, n)
}

// SetValue encrypts plain and stores it in the node.
func (s *SecretService) SetValue(id string, plain []byte) (tree.SecretNode, error) {
	n, err := s.tree.GetNode(id)
	if err != nil {
		return tree.SecretNode{}, err
	}
	v, err := s.enc.Encrypt(plain)
	if err != nil {
		return tree.SecretNode{}, fmt.Errorf("encrypt: %w", err)
	}
	n.Value = v
	return s.tree.Upsert(n.ParentID, n)
}

// Move places the node under newParentID.
func (s *SecretService) Move(id, newParentID string) (tree.SecretNode, error) {
	n, err := s.tree.GetNode(id)
	if err != nil {
		return tree.SecretNode{}, err
	}
	if n.IsRoot() {
		return tree.SecretNode{}, tree.ErrInvalidParent
	}
	return s.tree.Upsert(newParentID, n)
}

// Delete tombstones the node and its descendants.
func (s *SecretService) Delete(id string) error {
	return s.tree.Delete(id)
}

// Reveal decrypts the node's value.
func (s *SecretService) Reveal(id string) ([]byte, error) {
	n, err := s.tree.GetNode(id)
	if err != nil {
		return nil, err
	}
	if n.Value.IsEmpty() {
		return nil, ErrEmptyValue
	}
	plain, err := s.enc.Decrypt(n.Value)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

// Generate creates a random credential with opts and stores it in the node.
// The tree is left untouched when generation fails.
func (s *SecretService) Generate(id string, opts generator.Options) (string, error) {
	credential, err := s.gen.Generate(opts)
	if err != nil {
		return "", err
	}
	if _, err := s.SetValue(id, []byte(credential)); err != nil {
		return "", err
	}
	return credential, nil
}
