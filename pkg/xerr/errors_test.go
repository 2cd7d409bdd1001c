package xerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	base := errors.New("dial tcp: refused")
	wrapped := fmt.Errorf("request: %w", Wrap(base, UpstreamFailed, "subscribe"))

	assert.Equal(t, UpstreamFailed, CodeOf(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, ServerCommonError, CodeOf(base))
	assert.Nil(t, Wrap(nil, DbError, "x"))
}

func TestIs_ComparesCode(t *testing.T) {
	err := New(SourceUnavailable, "no source named ib")
	assert.ErrorIs(t, err, NewErrCode(SourceUnavailable))
	assert.NotErrorIs(t, err, NewErrCode(ResolutionFailed))
	assert.Contains(t, err.Error(), "ErrCode:1001")
}
