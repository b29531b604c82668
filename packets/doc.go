/*
Package packets implements the Semtech Gateway Messaging Protocol (GWMP)
wire format.

Every datagram starts with a 4 byte header:

	byte 0   protocol version (1 or 2)
	byte 1-2 random token (little-endian)
	byte 3   packet identifier

The following upstream packet types are implemented:
  - PUSH_DATA (gateway EUI + JSON object)
  - PULL_DATA (gateway EUI)
  - TX_ACK    (optional gateway EUI + optional JSON object)

The following downstream packet types are implemented:
  - PUSH_ACK
  - PULL_ACK
  - PULL_RESP (JSON object)

The specification can be found at:
https://github.com/Lora-net/packet_forwarder/blob/master/PROTOCOL.TXT
*/
package packets
