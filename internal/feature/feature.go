// Package feature defines the engine's feature-extraction and audio-decode
// collaborators, plus default implementations so the binary runs end to end.
//
// The engine depends only on the interfaces; a cepstral (MFCC) frontend
// drops in behind Extractor without touching the orchestrator.
package feature

// Extractor turns raw mono samples into an ordered sequence of fixed-length
// feature vectors. Implementations must be deterministic: the same samples
// and hop always produce the same sequence.
type Extractor interface {
	// Extract computes one feature vector per analysis frame, advancing by
	// hopSize samples between frames. Samples shorter than one frame yield
	// an empty sequence.
	Extract(samples []float32, hopSize int) ([][]float32, error)

	// FrameSize reports the analysis frame length in samples.
	FrameSize() int

	// Coefficients reports the dimensionality of each feature vector.
	Coefficients() int
}

// Decoder loads a reference audio asset as mono float samples.
type Decoder interface {
	// DecodeMonoFloat decodes the file at path, averaging channels to mono.
	// Returns the samples, the sample rate, and the source channel count.
	DecodeMonoFloat(path string) ([]float32, int, int, error)
}
