// ABOUTME: Client transport for the voice relay server
// ABOUTME: Binary websocket messages framed by the wire package
// Package protocol connects a voice client to a relay server.
//
// A Client dials the server over websocket, performs the handshake that
// assigns its session and client id, keeps the roster of peers and their
// rooms, and carries voice and text packets in both directions.
//
// Example:
//
//	c := protocol.NewClient(protocol.Config{ServerAddr: "localhost:8928", Name: "alice"})
//	if err := c.Connect(ctx); err != nil {
//		return err
//	}
//	defer c.Close()
//	c.JoinRoom("lobby")
package protocol
