package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Cheap parameters, tests don't need production strength
var testArgon2Params = Argon2Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func Test_BcryptHasher(t *testing.T) {
	t.Parallel()

	h := BcryptHasher{}

	t.Run("hash password", func(t *testing.T) {
		got, err := h.Hash("password")
		require.NoError(t, err)

		require.Len(t, got, 60, "bcrypt length is 60 letters")
		require.Equal(t, "$2a$", got[:4], "bcrypt has should have prefix '$2a$'")
	})

	t.Run("compare password", func(t *testing.T) {
		hash, err := h.Hash("password")
		require.NoError(t, err)

		require.NoError(t, h.Compare(hash, "password"))
		require.Error(t, h.Compare(hash, "wrong"))
	})
}

func Test_Argon2Hasher(t *testing.T) {
	t.Parallel()

	h := Argon2Hasher{Params: testArgon2Params}

	t.Run("hash is phc string", func(t *testing.T) {
		got, err := h.Hash("password")
		require.NoError(t, err)

		require.True(t, strings.HasPrefix(got, "$argon2id$v=19$m=1024,t=1,p=1$"), "unexpected hash %q", got)
		require.Len(t, strings.Split(got, "$"), 6)
	})

	t.Run("hash is salted", func(t *testing.T) {
		first, err := h.Hash("password")
		require.NoError(t, err)
		second, err := h.Hash("password")
		require.NoError(t, err)

		require.NotEqual(t, first, second)
	})

	t.Run("compare password", func(t *testing.T) {
		hash, err := h.Hash("password")
		require.NoError(t, err)

		require.NoError(t, h.Compare(hash, "password"))
		require.ErrorIs(t, h.Compare(hash, "wrong"), ErrPasswordMismatch)
	})

	t.Run("malformed hashes", func(t *testing.T) {
		tests := []string{
			"",
			"plain",
			"$argon2i$v=19$m=1024,t=1,p=1$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5",
			"$argon2id$v=18$m=1024,t=1,p=1$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5",
			"$argon2id$v=19$m=0,t=1,p=1$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5",
			"$argon2id$v=19$m=1024,t=1,p=1$!!!$a2V5a2V5a2V5a2V5a2V5a2V5",
		}

		for _, hash := range tests {
			require.ErrorIs(t, h.Compare(hash, "password"), ErrInvalidHash, "hash %q", hash)
		}
	})

	t.Run("too expensive hash refused", func(t *testing.T) {
		expensive := Argon2Hasher{Params: Argon2Params{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}}
		hash, err := expensive.Hash("password")
		require.NoError(t, err)

		require.ErrorIs(t, h.Compare(hash, "password"), ErrInvalidHash)
	})
}

func Test_Hasher(t *testing.T) {
	t.Parallel()

	h := NewHasher(testArgon2Params)

	t.Run("new hashes are argon2id", func(t *testing.T) {
		hash, err := h.Hash("password")
		require.NoError(t, err)

		require.True(t, strings.HasPrefix(hash, "$argon2id$"))
		require.NoError(t, h.Compare(hash, "password"))
	})

	t.Run("legacy bcrypt hashes verified", func(t *testing.T) {
		hash, err := BcryptHasher{}.Hash("password")
		require.NoError(t, err)

		require.NoError(t, h.Compare(hash, "password"))
		require.ErrorIs(t, h.Compare(hash, "wrong"), ErrPasswordMismatch)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		require.ErrorIs(t, h.Compare("md5$whatever", "password"), ErrInvalidHash)
		require.ErrorIs(t, h.Compare("", "password"), ErrInvalidHash)
	})
}
