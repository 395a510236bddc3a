// Package kv is the string key-value storage the persistence store writes
// through. Every backend enforces a hard per-value size ceiling.
package kv

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrValueTooLarge = errors.New("kv: value exceeds max bytes")

type Store interface {
	// Get returns ok=false for a missing key; err is reserved for backend failures.
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	// MaxValueBytes is the largest value Set accepts. Zero means no ceiling.
	MaxValueBytes() int
}

func checkSize(store Store, key, value string) error {
	if limit := store.MaxValueBytes(); limit > 0 && len(value) > limit {
		return fmt.Errorf("set %q (%d > %d bytes): %w", key, len(value), limit, ErrValueTooLarge)
	}
	return nil
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	maxBytes int
	m        map[string]string
	writes   int
}

func NewMemory(maxValueBytes int) *Memory {
	return &Memory{maxBytes: maxValueBytes, m: map[string]string{}}
}

func (s *Memory) MaxValueBytes() int { return s.maxBytes }

func (s *Memory) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *Memory) Set(key, value string) error {
	if err := checkSize(s, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	s.writes++
	return nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Writes counts successful Set calls.
func (s *Memory) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Memory) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
