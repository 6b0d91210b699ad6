//go:build !govips || !cgo

package imaging

// Without the govips tag the pure-Go transformer needs no runtime.

func Startup() error { return nil }

func Shutdown() {}

func newTransformer() (Transformer, error) {
	return stdlibTransformer{}, nil
}
