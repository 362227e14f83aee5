package service_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/secretsync/internal/crypto"
	"github.com/atinyakov/secretsync/internal/generator"
	"github.com/atinyakov/secretsync/internal/service"
	"github.com/atinyakov/secretsync/internal/tree"
)

func newSecretService(t *testing.T) (*service.SecretService, *tree.Tree) {
	t.Helper()
	c, err := crypto.NewFromKey(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	tr := tree.New(nil, "root")
	return service.NewSecretService(tr, c, nil), tr
}

func TestCreateRevealAndResolve(t *testing.T) {
	svc, tr := newSecretService(t)
	folder, err := svc.Create(tr.Root().ID, "mail", nil)
	require.NoError(t, err)
	n, err := svc.Create(folder.ID, "gmail", []byte("hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, string(n.Value.Ciphertext), "hunter2")

	plain, err := svc.Reveal(n.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))

	got, err := svc.Resolve("/mail/gmail")
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	got, err = svc.Resolve("mail")
	require.NoError(t, err)
	assert.Equal(t, folder.ID, got.ID)
	got, err = svc.Resolve(n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	got, err = svc.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, tr.Root().ID, got.ID)

	_, err = svc.Resolve("/nope")
	assert.ErrorIs(t, err, tree.ErrNotFound)
	_, err = svc.Reveal(folder.ID)
	assert.ErrorIs(t, err, service.ErrEmptyValue)
}

func TestRenameMoveDelete(t *testing.T) {
	svc, tr := newSecretService(t)
	a, _ := svc.Create(tr.Root().ID, "a", nil)
	b, _ := svc.Create(tr.Root().ID, "b", []byte("v"))

	_, err := svc.Rename(b.ID, "c")
	require.NoError(t, err)
	_, err = svc.Move(b.ID, a.ID)
	require.NoError(t, err)
	path, err := tr.Path(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "/a/c", path)

	plain, err := svc.Reveal(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", string(plain))

	_, err = svc.Move(a.ID, b.ID)
	assert.ErrorIs(t, err, tree.ErrInvalidParent)
	_, err = svc.Move(tr.Root().ID, a.ID)
	assert.ErrorIs(t, err, tree.ErrInvalidParent)

	require.NoError(t, svc.Delete(a.ID))
	_, err = svc.Reveal(b.ID)
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func TestGenerateIntoNode(t *testing.T) {
	svc, tr := newSecretService(t)
	n, _ := svc.Create(tr.Root().ID, "db", nil)

	cred, err := svc.Generate(n.ID, generator.DefaultOptions())
	require.NoError(t, err)
	plain, err := svc.Reveal(n.ID)
	require.NoError(t, err)
	assert.Equal(t, cred, string(plain))

	before, _ := tr.GetNode(n.ID)
	_, err = svc.Generate(n.ID, generator.Options{MinLength: 1, MaxLength: 2})
	assert.True(t, errors.Is(err, generator.ErrNoCharClasses))
	after, _ := tr.GetNode(n.ID)
	assert.Equal(t, before, after)
}
