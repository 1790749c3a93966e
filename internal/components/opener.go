package components

import (
	"plugin"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// opener maps a bundle's shared library and resolves its entry symbol to an
// Instance. The default implementation uses the standard library's plugin
// package (`go build -buildmode=plugin`); tests substitute a fake that
// skips the real dynamic-load step.
type opener interface {
	Open(libraryPath, entry string) (Instance, error)
}

type pluginOpener struct{}

func (pluginOpener) Open(libraryPath, entry string) (Instance, error) {
	p, err := plugin.Open(libraryPath)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Faulted, "map shared library", err)
	}
	sym, err := p.Lookup(entry)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.NotFound, "resolve entry symbol", err)
	}
	fn, ok := sym.(func() (Instance, error))
	if !ok {
		if fnPtr, ok := sym.(*func() (Instance, error)); ok {
			fn = *fnPtr
		} else {
			return nil, lerrors.New(lerrors.InvalidArgument, "entry symbol has the wrong signature").With("entry", entry)
		}
	}
	return fn()
}
