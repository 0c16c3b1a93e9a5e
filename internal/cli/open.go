package cli

import (
	"errors"
	"fmt"

	"github.com/roach88/martsync/internal/engine"
	"github.com/roach88/martsync/internal/store"
)

// StoreOptions holds the flags of commands that work against a store.
type StoreOptions struct {
	*RootOptions
	Database string // SQLite path or postgres:// DSN
}

// openEngine compiles the specs in specsDir, opens the store and returns
// an engine over both. The caller closes the store.
func openEngine(f *OutputFormatter, specsDir, dsn string, opts ...engine.EngineOption) (*engine.Engine, *store.Store, error) {
	res, errs := LoadSpecs(specsDir, LoadModeFailFast)
	if len(errs) > 0 {
		var loadErr *LoadError
		code := ErrCodeGeneric
		if errors.As(errs[0], &loadErr) {
			code = loadErr.Code
		}
		_ = f.Error(code, errs[0].Error(), nil)
		return nil, nil, WrapExitError(ExitCommandError, "failed to compile specs", errs[0])
	}
	f.VerboseLog("compiled %d CUE file(s) from %s", res.FileCount, specsDir)

	st, err := store.Open(dsn)
	if err != nil {
		_ = f.Error(ErrCodeNotFound, fmt.Sprintf("open database: %v", err), nil)
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	f.VerboseLog("opened %s store", st.Dialect())

	opts = append([]engine.EngineOption{engine.WithLogger(f.Logger())}, opts...)
	return engine.New(st, res.Project, opts...), st, nil
}
