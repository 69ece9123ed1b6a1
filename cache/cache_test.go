// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirective(t *testing.T) {
	tests := []struct {
		input     string
		want      Directive
		wantErr   bool
		cacheable bool
	}{
		{input: "", want: Directive{}},
		{input: "no-store", want: Directive{NoStore: true}},
		{input: "no-cache", want: Directive{NoCache: true}},
		{input: "max-age=60", want: Directive{MaxAge: time.Minute}, cacheable: true},
		{input: " max-age=1 ", want: Directive{MaxAge: time.Second}, cacheable: true},
		{input: "max-age=", wantErr: true},
		{input: "max-age=-5", wantErr: true},
		{input: "bogus", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			d, err := ParseDirective(tc.input)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidDirective)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
			assert.Equal(t, tc.cacheable, d.Cacheable())
		})
	}
}

func TestDirectiveString(t *testing.T) {
	assert.Equal(t, "no-store", Directive{NoStore: true}.String())
	assert.Equal(t, "max-age=60", Directive{MaxAge: time.Minute}.String())
	assert.Equal(t, "", Directive{}.String())
}

func TestTTLStorePutGet(t *testing.T) {
	s := NewTTL[string](0)
	key := Key{Action: "get", Subject: "t1"}

	_, ok := s.Get(key)
	assert.False(t, ok)

	s.Put(key, "v1", Directive{MaxAge: time.Minute})
	v, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	// Overwrite on refresh.
	s.Put(key, "v2", Directive{MaxAge: time.Minute})
	v, ok = s.Get(key)
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestTTLStoreNoStore(t *testing.T) {
	s := NewTTL[string](0)
	key := Key{Action: "get", Subject: "t1"}

	s.Put(key, "v1", Directive{NoStore: true})
	_, ok := s.Get(key)
	assert.False(t, ok, "no-store results must never be retrievable")

	s.Put(key, "v1", Directive{})
	_, ok = s.Get(key)
	assert.False(t, ok, "directive-less results must not be stored")
}

func TestTTLStoreExpiry(t *testing.T) {
	s := NewTTL[string](0)
	key := Key{Action: "get", Subject: "t1"}

	s.Put(key, "v1", Directive{MaxAge: 20 * time.Millisecond})
	_, ok := s.Get(key)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = s.Get(key)
	assert.False(t, ok, "expired entry must read as absent")
}

func TestTTLStoreJanitor(t *testing.T) {
	s := NewTTL[string](10 * time.Millisecond)
	defer s.Stop()

	s.Put(Key{Action: "get", Subject: "t1"}, "v1", Directive{MaxAge: 10 * time.Millisecond})
	require.Equal(t, 1, s.Len())

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTTLStoreConcurrent(t *testing.T) {
	s := NewTTL[int](time.Millisecond)
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := Key{Action: "get", Subject: fmt.Sprintf("t%d", j%10)}
				s.Put(key, n, Directive{MaxAge: time.Millisecond * 5})
				s.Get(key)
			}
		}(i)
	}
	wg.Wait()
}

func TestKeyDistinguishesComponents(t *testing.T) {
	s := NewTTL[string](0)
	d := Directive{MaxAge: time.Minute}

	s.Put(Key{Action: "get", Subject: "t1"}, "a", d)
	s.Put(Key{Action: "assert", Subject: "t1"}, "b", d)
	s.Put(Key{Action: "get", Subject: "t1", Extra: "x"}, "c", d)

	v, ok := s.Get(Key{Action: "get", Subject: "t1"})
	require.True(t, ok)
	assert.Equal(t, "a", v)
	v, ok = s.Get(Key{Action: "assert", Subject: "t1"})
	require.True(t, ok)
	assert.Equal(t, "b", v)
	v, ok = s.Get(Key{Action: "get", Subject: "t1", Extra: "x"})
	require.True(t, ok)
	assert.Equal(t, "c", v)
}
