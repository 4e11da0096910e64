package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGracefulErrorUnwraps(t *testing.T) {
	base := stderrors.New("connection refused")
	err := fmt.Errorf("startup: %w", NewGracefulError("open primary", base))

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "startup: operation 'open primary' failed: connection refused", err.Error())
}

func TestErrorHandlerKeepsFirstExitCode(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("missing.toml", os.ErrNotExist)
	eh.FatalError("serve", stderrors.New("boom"))

	assert.Equal(t, ExitConfig, eh.WaitForExit())
}

func TestValidationErrorExitCode(t *testing.T) {
	eh := NewErrorHandler()
	eh.ValidationError("database.alias", stderrors.New("no primary"))
	assert.Equal(t, ExitConfig, eh.WaitForExit())
}
