package exitcodes

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestGetInnerErrorAndExitCode tests the exit codes derived for nil, generic and annotated errors.
func TestGetInnerErrorAndExitCode(t *testing.T) {
	err, code := GetInnerErrorAndExitCode(nil)
	assert.NoError(t, err)
	assert.Equal(t, ExitCodeSuccess, code)

	generic := errors.New("generic")
	err, code = GetInnerErrorAndExitCode(generic)
	assert.Equal(t, generic, err)
	assert.Equal(t, ExitCodeGeneralError, code)

	inner := errors.New("endpoint unreachable")
	err, code = GetInnerErrorAndExitCode(NewErrorWithExitCode(inner, ExitCodeNetworkError))
	assert.Equal(t, inner, err)
	assert.Equal(t, ExitCodeNetworkError, code)

	// annotations survive further wrapping
	err, code = GetInnerErrorAndExitCode(errors.Wrap(NewErrorWithExitCode(inner, ExitCodeNotFound), "query failed"))
	assert.Equal(t, inner, err)
	assert.Equal(t, ExitCodeNotFound, code)
}
