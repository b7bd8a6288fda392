// Package capture implements the stream registry of an eye tracker session.
//
// A Session owns one buffer per stream kind and the device subscriptions that
// feed them. Start and Stop are idempotent; stopping keeps the buffered samples
// unless asked to clear them. Buffers are allocated on first use and live as long
// as the Session, so a relay outlet can follow them across restarts of a stream.
//
// # Eye openness fusion
//
// When IncludeEyeOpennessInGaze is set, gaze and eye openness run as a pair:
// starting or stopping either one starts or stops both, and eye openness values
// are merged into gaze samples carrying the same device timestamp. Unmatched eye
// openness samples become gaze samples with only eye openness available. The
// toggle is read when the pair is next started or stopped.
//
// # Example
//
//	sess, err := capture.NewSession(dev, capture.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	if err := sess.Start(sample.KindGaze); err != nil {
//		return err
//	}
//	samples, err := sess.ConsumeN(sample.KindGaze, buffer.All, buffer.SideStart)
package capture
