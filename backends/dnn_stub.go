//go:build !gocv

package backends

const dnnAvailable = false

// newDNN is never reached without the gocv build tag; New falls back first.
func newDNN(Config) Backend {
	panic("backends: unreachable: DNN backend requested in a build without gocv")
}
