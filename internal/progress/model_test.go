package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateValidate(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in      Update
		wantErr bool
	}{
		"delta":            {in: NewDelta("a").WithProcessed(1)},
		"snapshot":         {in: NewSnapshot("a").WithTotal(0)},
		"missing job":      {in: NewDelta(""), wantErr: true},
		"unknown channel":  {in: Update{JobID: "a", Channel: "carrier", Form: FormDelta}, wantErr: true},
		"unknown form":     {in: Update{JobID: "a", Channel: ChannelPoll}, wantErr: true},
		"negative count":   {in: NewDelta("a").WithProcessed(-1), wantErr: true},
		"negative matched": {in: NewSnapshot("a").WithMatched(-2), wantErr: true},
		"negative eta":     {in: NewDelta("a").WithETA(-1), wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := tc.in.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidUpdate)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, StatusUnknown, StatusOf(nil))
	require.Equal(t, StatusFailed, StatusOf(&JobProgress{Status: StatusFailed}))
	require.True(t, StatusComplete.Terminal())
	require.False(t, StatusProcessing.Terminal())
}

func TestFailureStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"failed", "Error", " FAILURE "} {
		require.True(t, FailureStatus(s), s)
	}
	for _, s := range []string{"", "complete", "processing"} {
		require.False(t, FailureStatus(s), s)
	}
}
