package engine

import "errors"

// Start failure kinds. They wrap the collaborator error so callers can both
// classify and report.
var (
	// ErrAlreadyRecording rejects start while a session is running.
	ErrAlreadyRecording = errors.New("engine: already recording")
	// ErrPermissionDenied marks a rejected capture permission probe.
	ErrPermissionDenied = errors.New("engine: capture permission denied")
	// ErrAudioSource marks a microphone source that failed to open.
	ErrAudioSource = errors.New("engine: audio source failed")
	// ErrRecognizer marks a recognizer that failed to construct or attach.
	ErrRecognizer = errors.New("engine: recognizer failed")
)
