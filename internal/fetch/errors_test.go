package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"wrapped deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), ErrTimeout},
		{"timeout text", errors.New("page load Timeout after 30s"), ErrTimeout},
		{"proxy text", errors.New("ERR_PROXY_CONNECTION_FAILED"), ErrProxy},
		{"tunnel", errors.New("tunnel connection failed: 407"), ErrProxy},
		{"chrome net error", errors.New("net::ERR_NAME_NOT_RESOLVED"), ErrNavigation},
		{"refused", errors.New("dial tcp: connection refused"), ErrNavigation},
		{"classified passthrough", NewError(ErrCaptcha, "challenge", nil), ErrCaptcha},
		{"wrapped classified", fmt.Errorf("attempt 2: %w", NavigationError(503, "bad gateway")), ErrNavigation},
		{"anything else", errors.New("invalid memory address"), ErrUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestStatusCodeOf(t *testing.T) {
	t.Parallel()
	require.Equal(t, 403, StatusCodeOf(NavigationError(403, "forbidden")))
	require.Equal(t, 0, StatusCodeOf(errors.New("plain")))
	require.Equal(t, 0, StatusCodeOf(nil))
}

func TestIsChallenge(t *testing.T) {
	t.Parallel()

	require.True(t, IsChallenge("<title>Just a moment</title> Checking Your Browser before accessing"))
	require.True(t, IsChallenge("please solve the CAPTCHA to continue"))
	require.True(t, IsChallenge("Verify You Are Human"))
	require.False(t, IsChallenge("<html><body>ordinary product page</body></html>"))
	require.False(t, IsChallenge(""))
}

func TestErrorResult(t *testing.T) {
	t.Parallel()

	res := ErrorResult("https://example.com", 1200, NavigationError(500, "server error"))
	require.Equal(t, ResultError, res.Status)
	require.Equal(t, ErrNavigation, res.ErrorType)
	require.Equal(t, 500, res.StatusCode)
	require.Equal(t, int64(1200), res.ResponseTimeMs)
	require.Empty(t, res.HTMLContent)

	res = ErrorResult("https://example.com", 0, nil)
	require.Equal(t, "unknown error", res.ErrorMessage)
	require.Equal(t, ErrorType(""), res.ErrorType)
}
