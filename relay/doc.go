// Package relay republishes capture streams over a network and receives them
// in other processes.
//
// An Outlet follows the buffers of a capture.Session and publishes every new
// sample of a started kind as a Packet on a Transport, after advertising a
// ChannelInfo that describes the channel. Source ids have the form
//
//	TittaRelay:Tobii_<kind>@<serial number>
//
// Gaze, external signal, time sync and positioning can be relayed. Eye
// openness travels inside the gaze channel when the eye openness toggle is on.
//
// A ListenerRegistry discovers advertised channels and creates listeners for
// them. Each listener owns a private buffer filled by its own receive
// goroutine, and exposes the same peek, consume and clear operations as a
// capture session. Samples keep their remote time stamps and also record the
// local time they arrived; time range queries choose either.
//
//	reg, _ := relay.NewListenerRegistry(transport)
//	id, err := reg.CreateListener(ctx, "TittaRelay:Tobii_gaze@TPNA1-030109", relay.WithStartListening())
//	if err != nil {
//		return err
//	}
//	samples, _ := reg.ConsumeN(id, buffer.All, buffer.SideStart)
//
// Stopping an outlet only withdraws its advertisement. Listeners are not told;
// they keep listening and simply stop receiving samples.
//
// MemoryTransport connects outlets and listeners inside one process.
// NATSTransport keeps advertisements in a JetStream key-value bucket and sends
// packets over core NATS.
package relay
