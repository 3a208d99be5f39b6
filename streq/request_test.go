package streq_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mtereshkin/galago/streq"
)

func TestRequestV1_RoundTrip(t *testing.T) {
	ist := []byte("6c9e80a2-68c1-4a74-8ecb-53a6f0c3d1aa:100-150|127.0.0.1:4568")

	req, err := streq.NewV1([]byte("sst-method-config"), ist)
	require.NoError(t, err)

	parsed, err := streq.Parse(req.Bytes())
	require.NoError(t, err)

	require.Equal(t, 1, parsed.Version())
	require.Equal(t, []byte("sst-method-config"), parsed.SST())
	require.Equal(t, ist, parsed.IST())
}

func TestRequestV1_EmptyParts(t *testing.T) {
	req, err := streq.NewV1(nil, nil)
	require.NoError(t, err)

	parsed, err := streq.Parse(req.Bytes())
	require.NoError(t, err)
	require.Empty(t, parsed.SST())
	require.Empty(t, parsed.IST())
}

func TestParse_AutodetectV0(t *testing.T) {
	// Anything not opening with the magic prefix is a v0 request, the whole
	// blob being the snapshot payload.
	for _, blob := range [][]byte{
		[]byte("rsync\x00some opaque sst bytes"),
		[]byte("STRv1 but no nul byte"),
		[]byte("STRv"),
		{},
	} {
		parsed, err := streq.Parse(blob)
		require.NoError(t, err)
		require.Equal(t, 0, parsed.Version())
		require.Equal(t, blob, parsed.SST())
		require.Nil(t, parsed.IST())
	}
}

func TestParse_ShortHeader(t *testing.T) {
	blob := []byte("STRv1\x00\x00\x00")
	_, err := streq.Parse(blob)
	require.ErrorIs(t, err, streq.ErrBadFormat)
}

func TestParse_DeclaredLengthOverflowsBuffer(t *testing.T) {
	// sst_len = 100 but only a handful of bytes follow.
	blob := append([]byte("STRv1\x00"), 0, 0, 0, 100)
	blob = append(blob, []byte("short")...)

	_, err := streq.Parse(blob)
	require.ErrorIs(t, err, streq.ErrBadFormat)
}

func TestParse_TrailingGarbage(t *testing.T) {
	req, err := streq.NewV1([]byte("sst"), []byte("ist"))
	require.NoError(t, err)

	blob := append(append([]byte{}, req.Bytes()...), 'x')

	_, err = streq.Parse(blob)
	require.ErrorIs(t, err, streq.ErrBadFormat)
}

func TestIsTrivial(t *testing.T) {
	require.True(t, streq.IsTrivial([]byte("trivial\x00")))
	require.True(t, streq.IsTrivial([]byte("trivial\x00extra")))
	require.False(t, streq.IsTrivial([]byte("trivial")))
	require.False(t, streq.IsTrivial([]byte("rsync\x00")))
	require.False(t, streq.IsTrivial(nil))
}

func TestSkipsTransfer(t *testing.T) {
	require.True(t, streq.SkipsTransfer([]byte("trivial\x00")))
	require.True(t, streq.SkipsTransfer([]byte("skip")))
	require.True(t, streq.SkipsTransfer([]byte("skip\x00")))
	require.False(t, streq.SkipsTransfer([]byte("rsync\x00")))
}

func TestDesc_RoundTrip(t *testing.T) {
	d := streq.Desc{
		Peer:        "10.0.0.7:4568",
		UUID:        uuid.MustParse("6c9e80a2-68c1-4a74-8ecb-53a6f0c3d1aa"),
		LastApplied: 100,
		GroupSeqno:  150,
	}

	parsed, err := streq.ParseDesc(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestParseDesc_Whitespace(t *testing.T) {
	parsed, err := streq.ParseDesc(" 6c9e80a2-68c1-4a74-8ecb-53a6f0c3d1aa : 100 - 150 | 10.0.0.7:4568 ")
	require.NoError(t, err)

	require.Equal(t, int64(100), parsed.LastApplied)
	require.Equal(t, int64(150), parsed.GroupSeqno)
	require.Equal(t, "10.0.0.7:4568", parsed.Peer)
}

func TestParseDesc_NegativeLastApplied(t *testing.T) {
	parsed, err := streq.ParseDesc("6c9e80a2-68c1-4a74-8ecb-53a6f0c3d1aa:-1-150|peer:4568")
	require.NoError(t, err)

	require.Equal(t, int64(-1), parsed.LastApplied)
	require.Equal(t, int64(150), parsed.GroupSeqno)
}

func TestParseDesc_Errors(t *testing.T) {
	for _, s := range []string{
		"",
		"no-separators-at-all",
		"6c9e80a2-68c1-4a74-8ecb-53a6f0c3d1aa:100-150",
		"6c9e80a2-68c1-4a74-8ecb-53a6f0c3d1aa:100|peer",
		"6c9e80a2-68c1-4a74-8ecb-53a6f0c3d1aa:abc-150|peer",
		"not-a-uuid:100-150|peer",
		"6c9e80a2-68c1-4a74-8ecb-53a6f0c3d1aa:100-150|",
	} {
		_, err := streq.ParseDesc(s)
		require.ErrorIs(t, err, streq.ErrBadFormat, "input: %q", s)
	}
}
