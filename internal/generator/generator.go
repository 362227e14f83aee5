// Package generator produces random credentials constrained by character
// classes and a length range. All randomness comes from a cryptographic
// source.
package generator

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
)

var (
	// ErrNoCharClasses is returned when no character class is enabled.
	ErrNoCharClasses = errors.New("no character classes enabled")
	// ErrInvalidLength is returned for non-positive bounds, min > max or
	// max above MaxLengthLimit.
	ErrInvalidLength = errors.New("invalid length bounds")
	// ErrLengthTooShort is returned when max cannot fit one character of every enabled class.
	ErrLengthTooShort = errors.New("max length shorter than enabled classes")
)

const (
	numbers   = "0123456789"
	uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowercase = "abcdefghijklmnopqrstuvwxyz"
	special   = "!@#$%^&*()-_=+[]{};:,.<>?/~"

	// MaxLengthLimit is the longest credential Generate will produce.
	MaxLengthLimit = 4096
)

// Options selects the character classes and length range of a credential.
type Options struct {
	UseNumbers      bool `json:"use_numbers"`
	UseUppercase    bool `json:"use_uppercase"`
	UseLowercase    bool `json:"use_lowercase"`
	UseSpecialChars bool `json:"use_special_chars"`
	MinLength       int  `json:"min_length"`
	MaxLength       int  `json:"max_length"`
}

// DefaultOptions enables every class with a length between 10 and 18.
func DefaultOptions() Options {
	return Options{
		UseNumbers:      true,
		UseUppercase:    true,
		UseLowercase:    true,
		UseSpecialChars: true,
		MinLength:       10,
		MaxLength:       18,
	}
}

func (o Options) classes() []string {
	var out []string
	if o.UseNumbers {
		out = append(out, numbers)
	}
	if o.UseUppercase {
		out = append(out, uppercase)
	}
	if o.UseLowercase {
		out = append(out, lowercase)
	}
	if o.UseSpecialChars {
		out = append(out, special)
	}
	return out
}

// Validate reports why the options cannot produce a credential, if at all.
func (o Options) Validate() error {
	classes := o.classes()
	switch {
	case len(classes) == 0:
		return ErrNoCharClasses
	case o.MinLength <= 0 || o.MaxLength <= 0 || o.MinLength > o.MaxLength,
		o.MaxLength > MaxLengthLimit:
		return ErrInvalidLength
	case o.MaxLength < len(classes):
		return ErrLengthTooShort
	}
	return nil
}

// Generator draws credentials from an entropy source. It holds no mutable
// state and is safe for concurrent use if its reader is.
type Generator struct {
	rand io.Reader
}

// New returns a generator reading from r. A nil r means crypto/rand.
func New(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

var defaultGenerator = New(nil)

// Generate is shorthand for New(nil).Generate(opts).
func Generate(opts Options) (string, error) {
	return defaultGenerator.Generate(opts)
}

// Generate returns a credential with a length drawn uniformly from
// [max(MinLength, classes), MaxLength] that holds at least one character of
// every enabled class.
func (g *Generator) Generate(opts Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	classes := opts.classes()

	lo := max(opts.MinLength, len(classes))
	n, err := g.intn(opts.MaxLength - lo + 1)
	if err != nil {
		return "", err
	}
	length := lo + n

	var alphabet string
	for _, c := range classes {
		alphabet += c
	}

	out := make([]byte, 0, length)
	for _, c := range classes {
		b, err := g.pick(c)
		if err != nil {
			return "", err
		}
		out = append(out, b)
	}
	for len(out) < length {
		b, err := g.pick(alphabet)
		if err != nil {
			return "", err
		}
		out = append(out, b)
	}

	// Fisher-Yates, so the reserved characters land anywhere.
	for i := len(out) - 1; i > 0; i-- {
		j, err := g.intn(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

func (g *Generator) pick(set string) (byte, error) {
	i, err := g.intn(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func (g *Generator) intn(n int) (int, error) {
	v, err := rand.Int(g.rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
