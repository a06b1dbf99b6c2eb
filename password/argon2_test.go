package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newLight(t *testing.T, mutate func(*Config)) *Argon2 {
	t.Helper()
	cfg := lightConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewArgon2(cfg)
	require.NoError(t, err)
	return a
}

func TestHashEncodesConfiguredCost(t *testing.T) {
	a := newLight(t, nil)
	encoded, err := a.Hash("branch-office-7")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$"), encoded)

	again, err := a.Hash("branch-office-7")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "fresh salt per hash")

	ok, err := a.Verify("branch-office-7", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Verify("branch-office-8", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"low memory", func(c *Config) { c.Memory = 4096 }},
		{"zero time", func(c *Config) { c.Time = 0 }},
		{"zero parallelism", func(c *Config) { c.Parallelism = 0 }},
		{"short salt", func(c *Config) { c.SaltLength = 8 }},
		{"short key", func(c *Config) { c.KeyLength = 8 }},
		{"negative max", func(c *Config) { c.MaxPasswordBytes = -1 }},
		{"max below minimum password", func(c *Config) { c.MaxPasswordBytes = 4 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := lightConfig()
			tc.mutate(&cfg)
			_, err := NewArgon2(cfg)
			assert.Error(t, err)
		})
	}
}

func TestMaxPasswordBytesDefault(t *testing.T) {
	a := newLight(t, nil)
	require.Equal(t, DefaultMaxPasswordBytes, a.config.MaxPasswordBytes)

	_, err := a.Hash(strings.Repeat("p", DefaultMaxPasswordBytes))
	require.NoError(t, err)
	_, err = a.Hash(strings.Repeat("p", DefaultMaxPasswordBytes+1))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestTooLongPasswordRejectedBeforeHashing(t *testing.T) {
	a := newLight(t, func(c *Config) { c.MaxPasswordBytes = 32 })
	v, err := NewVerifier(a)
	require.NoError(t, err)

	stored, err := v.Hash("exactly-the-right-length-secret!")
	require.NoError(t, err)
	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy-password-1"), bcrypt.MinCost)
	require.NoError(t, err)

	long := strings.Repeat("x", 33)
	_, err = v.Hash(long)
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	for name, hash := range map[string]string{"argon2id": stored, "bcrypt": string(legacy)} {
		ok, err := v.Verify(long, hash)
		assert.ErrorIs(t, err, ErrPasswordTooLong, name)
		assert.False(t, ok, name)
	}
}

func TestShortPasswordRejected(t *testing.T) {
	a := newLight(t, nil)
	for _, pw := range []string{"", "nine-byte"} {
		_, err := a.Hash(pw)
		assert.Error(t, err, "%q", pw)
	}
}

func TestNeedsUpgradeAgainstDefaults(t *testing.T) {
	light := newLight(t, nil)
	encoded, err := light.Hash("sucursal-norte-01")
	require.NoError(t, err)

	current, err := NewArgon2(DefaultConfig())
	require.NoError(t, err)
	upgrade, err := current.NeedsUpgrade(encoded)
	require.NoError(t, err)
	assert.True(t, upgrade, "light cost hash must be rehashed under defaults")

	// A weaker policy never downgrades a stronger hash.
	stronger := newLight(t, func(c *Config) { c.Memory = 16 * 1024; c.Time = 2 })
	strongHash, err := stronger.Hash("sucursal-norte-01")
	require.NoError(t, err)
	upgrade, err = light.NeedsUpgrade(strongHash)
	require.NoError(t, err)
	assert.False(t, upgrade)

	longerKey := newLight(t, func(c *Config) { c.KeyLength = 64 })
	upgrade, err = longerKey.NeedsUpgrade(encoded)
	require.NoError(t, err)
	assert.True(t, upgrade)
}

func TestParseRejectsForeignEncodings(t *testing.T) {
	a := newLight(t, nil)
	valid, err := a.Hash("sucursal-norte-01")
	require.NoError(t, err)
	parts := strings.Split(valid, "$")

	join := func(mod func(p []string)) string {
		cp := append([]string(nil), parts...)
		mod(cp)
		return strings.Join(cp, "$")
	}
	cases := map[string]string{
		"empty":          "",
		"argon2i":        join(func(p []string) { p[1] = "argon2i" }),
		"old version":    join(func(p []string) { p[2] = "v=16" }),
		"low memory":     join(func(p []string) { p[3] = "m=1024,t=1,p=1" }),
		"unknown param":  join(func(p []string) { p[3] = "m=8192,t=1,x=1" }),
		"bad salt":       join(func(p []string) { p[4] = "!!" }),
		"short salt":     join(func(p []string) { p[4] = "c2FsdA==" }),
		"missing digest": join(func(p []string) { p[5] = "" }),
	}
	for name, encoded := range cases {
		_, err := a.Verify("sucursal-norte-01", encoded)
		assert.Error(t, err, name)
		_, err = a.NeedsUpgrade(encoded)
		assert.Error(t, err, name)
	}
}

func TestDummyHashMatchesPrimaryCost(t *testing.T) {
	a := newLight(t, func(c *Config) { c.Memory = 12 * 1024 })
	v, err := NewVerifier(a)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(v.dummy, "$argon2id$v=19$m=12288,t=1,p=1$"), v.dummy)
	upgrade, err := a.NeedsUpgrade(v.dummy)
	require.NoError(t, err)
	assert.False(t, upgrade)

	v.VerifyDummy("unknown-user-password")
	v.VerifyDummy(strings.Repeat("x", DefaultMaxPasswordBytes+1))

	_, err = NewVerifier(nil)
	assert.Error(t, err)
}
