// Package credentials holds the static pool of upstream session cookies and
// picks one per request.
package credentials

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// ErrEmptyPool is returned when a pool would contain no usable credentials.
var ErrEmptyPool = errors.New("credential pool is empty")

// Pool is an immutable set of credentials. Safe for concurrent use.
type Pool struct {
	creds []string
}

// poolFile is the on-disk layout of the cookies file.
type poolFile struct {
	Cookies []string `yaml:"cookies"`
}

// NewPool builds a pool from creds, dropping blank entries.
func NewPool(creds []string) (*Pool, error) {
	kept := make([]string, 0, len(creds))
	for _, c := range creds {
		if strings.TrimSpace(c) != "" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{creds: kept}, nil
}

// LoadPool reads a YAML file with a top-level "cookies" list.
func LoadPool(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var f poolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}

	p, err := NewPool(f.Cookies)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Select returns explicit unchanged when it is non-empty, otherwise a
// uniformly random member of the pool.
func (p *Pool) Select(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return p.creds[rand.IntN(len(p.creds))]
}

// Len reports the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.creds)
}

// Fingerprint returns a short stable digest of a credential for log lines.
// The credential itself must never be logged.
func Fingerprint(cred string) string {
	if cred == "" {
		return "-"
	}
	h, _ := blake2b.New(6, nil) // error is only for invalid key size
	h.Write([]byte(cred))
	return hex.EncodeToString(h.Sum(nil))
}
