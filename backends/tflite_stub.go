//go:build !tflite

package backends

const tfliteAvailable = false

// newTFLite is never reached without the tflite build tag; New falls back first.
func newTFLite(Config) Backend {
	panic("backends: unreachable: TFLite backend requested in a build without tflite")
}
