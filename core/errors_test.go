package core

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorfCarriesKindAndMessage(t *testing.T) {
	err := Errorf(KindInvalidMagnet, "bad magnet: %s", "xyz")
	require.Equal(t, "bad magnet: xyz", err.Error())
	require.True(t, Is(err, KindInvalidMagnet))
	require.False(t, Is(err, KindCorruptTorrent))
}

func TestWrapExposesUnderlyingCauseViaUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindFilesystemFailure, cause)
	require.True(t, Is(err, KindFilesystemFailure))
	require.ErrorIs(t, err, cause)
}

func TestDefaultHTTPStatusMapsKinds(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, KindInvalidMagnet.DefaultHTTPStatus())
	require.Equal(t, http.StatusConflict, KindAlreadyOwned.DefaultHTTPStatus())
	require.Equal(t, http.StatusInternalServerError, KindInternal.DefaultHTTPStatus())
}

func TestIsReturnsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), KindInternal))
}
