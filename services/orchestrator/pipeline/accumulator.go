// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ===== Secure Memory Constants =====

const (
	// secureBufferSize is the mlocked buffer backing one streamed
	// answer. 512 KB holds roughly 131k tokens at 4 bytes each, far
	// past any answer the synthesis stage produces.
	secureBufferSize = 512 * 1024

	// minMlockLimitKB is the RLIMIT_MEMLOCK floor required to run in
	// secure mode.
	minMlockLimitKB = 512

	// insecureMemoryEnv, when "true", permits falling back to ordinary
	// heap memory on hosts whose mlock limit is too low.
	insecureMemoryEnv = "SITKA_INSECURE_MEMORY"
)

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
	mlockLimitKB     int64
)

// ===== TokenAccumulator =====

// TokenAccumulator collects the synthesis stage's streamed tokens into
// one answer.
//
// # Description
//
// Tokens are appended with Write and hashed incrementally; Finalize
// returns the assembled answer with its SHA-256 hex digest and wipes
// the backing storage. Destroy wipes without returning data, for error
// paths, and is idempotent. An accumulator is single-use: after
// Finalize or Destroy every call fails.
//
// The secure implementation keeps the answer in an mlocked, canary-
// guarded buffer so partial answers never reach swap; the insecure one
// is a plain heap slice for hosts that cannot lock memory, gated behind
// SITKA_INSECURE_MEMORY=true.
//
// # Thread Safety
//
// Implementations are safe for concurrent use, though the synthesis
// stage writes from a single goroutine.
type TokenAccumulator interface {
	Write(token string) error
	Finalize() (answer, hash string, err error)
	Destroy()
	ID() string
}

// NewTokenAccumulator returns an accumulator for one streamed answer:
// secure when the host's mlock limit allows it, insecure when the
// SITKA_INSECURE_MEMORY override accepts the risk, and an error
// otherwise.
func NewTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()
	if !mlockSufficient {
		if os.Getenv(insecureMemoryEnv) == "true" {
			slog.Warn("using insecure token accumulator, mlock limit too low",
				"mlock_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB)
			return newInsecureAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient for secure memory: have %d KB, need %d KB; "+
				"raise RLIMIT_MEMLOCK or set %s=true",
			mlockLimitKB, minMlockLimitKB, insecureMemoryEnv)
	}

	buf := memguard.NewBuffer(secureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("allocating %d-byte secure buffer failed", secureBufferSize)
	}
	buf.Melt()
	return &secureAccumulator{
		id:     uuid.NewString(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

// initMemguard arms memguard's interrupt handler and probes the mlock
// limit. Runs once per process.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("secure memory initialized",
				"mlock_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB)
		} else {
			slog.Warn("mlock limit below secure-memory floor",
				"mlock_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB,
				"override", insecureMemoryEnv+"=true")
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK covers the secure
// buffer, and the limit itself in KB (-1 when unlimited or unknown).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not read mlock limit, assuming sufficient", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// IsMlockAvailable reports whether secure accumulators can be built on
// this host, and the current mlock limit in KB (-1 when unlimited).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, mlockLimitKB
}

// PurgeSecureMemory wipes every memguard allocation. Call during
// graceful shutdown; all live secure accumulators become unusable.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("purged secure memory")
}

// ===== Secure Implementation =====

// secureAccumulator keeps the growing answer inside an mlocked buffer.
type secureAccumulator struct {
	mu sync.Mutex

	id        string
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ TokenAccumulator = (*secureAccumulator)(nil)

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflowed, response too large")
	}
	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > secureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), secureBufferSize-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.offset += len(tokenBytes)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeLocked()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeLocked()

	slog.Debug("finalized token accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
		"hash_prefix", digest[:16])
	return answer, digest, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipeLocked()
}

func (a *secureAccumulator) ID() string { return a.id }

// wipeLocked destroys the locked buffer and marks the accumulator
// unusable. Caller holds mu.
func (a *secureAccumulator) wipeLocked() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// ===== Insecure Implementation =====

// insecureAccumulator is the heap-backed fallback. Same contract, no
// mlock guarantee: the answer may reach swap.
type insecureAccumulator struct {
	mu sync.Mutex

	id        string
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ TokenAccumulator = (*insecureAccumulator)(nil)

func newInsecureAccumulator() TokenAccumulator {
	return &insecureAccumulator{
		id:     uuid.NewString(),
		data:   make([]byte, 0, 4096),
		hasher: sha256.New(),
	}
}

func (a *insecureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflowed, response too large")
	}
	tokenBytes := []byte(token)
	// Same ceiling as the secure buffer so behavior does not depend on
	// which implementation a host ended up with.
	if len(a.data)+len(tokenBytes) > secureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), secureBufferSize-len(a.data))
	}
	a.data = append(a.data, tokenBytes...)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeLocked()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeLocked()
	return answer, digest, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipeLocked()
}

func (a *insecureAccumulator) ID() string { return a.id }

// wipeLocked zeroes the slice best-effort and marks the accumulator
// unusable. Caller holds mu.
func (a *insecureAccumulator) wipeLocked() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
