package versioning

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionParse(t *testing.T) {
	tests := []struct {
		input     string
		wantMajor int64
		wantMinor int64
		wantPatch int64
		wantPre   string
		wantErr   bool
	}{
		{input: "1.0.0", wantMajor: 1},
		{input: "v1.0.0", wantMajor: 1},
		{input: "2.3.4", wantMajor: 2, wantMinor: 3, wantPatch: 4},
		{input: "1.0.0-alpha", wantMajor: 1, wantPre: "alpha"},
		{input: "1.0.0-beta.1", wantMajor: 1, wantPre: "beta.1"},
		{input: "1.0.0+build.123", wantMajor: 1},
		{input: "1.0.0-rc.1+build.123", wantMajor: 1, wantPre: "rc.1"},
		{input: "invalid", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantMajor, got.Major())
			require.Equal(t, tt.wantMinor, got.Minor())
			require.Equal(t, tt.wantPatch, got.Patch())
			require.Equal(t, tt.wantPre, got.Prerelease())
		})
	}
}

func TestVersionStringRoundTrips(t *testing.T) {
	for _, s := range []string{
		"1.0.0", "2.3.4", "1.0.0-alpha", "1.0.0+build.1", "1.0.0-rc.1+sha.abc",
	} {
		got, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, got.String())
	}
}

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		v1, v2 string
		want   int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "2.0.0", -1},
		{"2.0.0", "1.0.0", 1},
		{"1.1.0", "1.0.0", 1},
		{"1.0.1", "1.0.0", 1},
		{"1.0.0-alpha", "1.0.0", -1},
		{"1.0.0", "1.0.0-alpha", 1},
	}

	for _, tt := range tests {
		t.Run(tt.v1+"_vs_"+tt.v2, func(t *testing.T) {
			v1, err := Parse(tt.v1)
			require.NoError(t, err)
			v2, err := Parse(tt.v2)
			require.NoError(t, err)
			require.Equal(t, tt.want, v1.Compare(v2))
		})
	}
}

func TestVersionCompatibility(t *testing.T) {
	v1 := New(1, 0, 0)
	v1_1 := New(1, 1, 0)
	v2 := New(2, 0, 0)

	require.True(t, v1.IsCompatible(v1_1))
	require.False(t, v1.IsCompatible(v2))
}

func TestVersionSatisfiesConstraint(t *testing.T) {
	v, err := Parse("1.2.3")
	require.NoError(t, err)

	ok, err := v.Satisfies("^1.0.0")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = v.Satisfies(">=2.0.0")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = v.Satisfies("not a constraint")
	require.Error(t, err)
}
