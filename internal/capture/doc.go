// Package capture implements the client-side recording pipeline: device
// stream acquisition, audio mixing, canvas composition, chunked upload and
// optional speech transcription.
//
// Platform primitives (device capture, frame timing, encoding, speech
// recognition) sit behind capability interfaces so the orchestration logic
// runs against synthetic sources in tests, independent of any browser or
// device runtime. All mutable recording state is owned by one Engine value;
// nothing in this package is process-wide, so concurrent recordings do not
// interfere.
package capture
