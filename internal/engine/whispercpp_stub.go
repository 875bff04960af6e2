//go:build !whisper_cpp

package engine

// NativeAvailable reports whether the whisper.cpp backend is compiled in.
func NativeAvailable() bool { return false }

// NewWhisperEngine returns an error when the native backend is not built.
func NewWhisperEngine(modelPath string, threads int) (Engine, error) {
	return nil, ErrNativeUnavailable
}
