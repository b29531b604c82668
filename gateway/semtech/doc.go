/*
Package semtech implements the server side of the Semtech UDP gateway
protocol.

The Backend tracks one session per gateway address and handles the
following upstream packet types:
  - PUSH_DATA, acknowledged with PUSH_ACK and emitted as events
  - PULL_DATA, acknowledged with PULL_ACK
  - TX_ACK, resolving the downlink with the same token

Downlinks are sent as PULL_RESP. SendDownlink blocks until the matching
TX_ACK arrives, the TX_ACK deadline expires or the session is evicted.

The specification can be found at:
https://github.com/Lora-net/packet_forwarder/blob/master/PROTOCOL.TXT
*/
package semtech
