package semtech

import (
	"context"
	"encoding"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/brocaar/lorawan"
	log "github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/blaet/gwmp/correlator"
	"github.com/blaet/gwmp/packets"
)

func init() {
	log.SetLevel(log.PanicLevel)
}

func testConfig() Config {
	return Config{
		TXAckTimeout:   time.Millisecond * 200,
		SessionTimeout: time.Minute,
		SweepInterval:  time.Millisecond * 10,
		EventQueueSize: 10,
	}
}

func writePacket(conn *net.UDPConn, addr net.Addr, p encoding.BinaryMarshaler) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = conn.WriteTo(b, addr)
	return err
}

func readPacket(conn *net.UDPConn) (packets.Packet, error) {
	buf := make([]byte, 65507)
	i, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return packets.Decode(buf[:i])
}

func nextEvent(b *Backend) (Event, error) {
	select {
	case e, ok := <-b.Receive():
		if !ok {
			return Event{}, errors.New("event channel closed")
		}
		return e, nil
	case <-time.After(time.Second * 2):
		return Event{}, errors.New("timeout waiting for event")
	}
}

func newGatewayConn() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	return conn, conn.SetDeadline(time.Now().Add(time.Second * 2))
}

func TestBackend(t *testing.T) {
	mac := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	txpk := packets.TXPK{
		Imme: true,
		Freq: 869.525,
		RFCh: 0,
		Powe: 14,
		Modu: "LORA",
		DatR: packets.DatR{LoRa: "SF9BW125"},
		CodR: "4/5",
		IPol: true,
		Size: 3,
		Data: packets.Payload{1, 2, 3},
	}

	Convey("Given a Backend listening on a random port", t, func() {
		backend, err := Listen("127.0.0.1:0", testConfig())
		So(err, ShouldBeNil)
		defer backend.Close()
		addr := backend.Addr()

		Convey("Given a UDP socket", func() {
			conn, err := newGatewayConn()
			So(err, ShouldBeNil)
			defer conn.Close()

			Convey("When sending a PULL_DATA packet", func() {
				p := packets.PullDataPacket{
					ProtocolVersion: packets.ProtocolVersion2,
					RandomToken:     1234,
					GatewayMAC:      mac,
				}
				So(writePacket(conn, addr, p), ShouldBeNil)

				Convey("Then an ACK packet is returned", func() {
					ack, err := readPacket(conn)
					So(err, ShouldBeNil)
					So(ack, ShouldResemble, &packets.PullACKPacket{
						ProtocolVersion: packets.ProtocolVersion2,
						RandomToken:     1234,
					})
				})

				Convey("Then a NewGateway event is emitted", func() {
					e, err := nextEvent(backend)
					So(err, ShouldBeNil)
					So(e.Type, ShouldEqual, NewGateway)
					So(e.GatewayMAC, ShouldEqual, mac)
					So(e.Addr.String(), ShouldEqual, conn.LocalAddr().String())
				})

				Convey("Then the gateway session is listed", func() {
					_, err := readPacket(conn)
					So(err, ShouldBeNil)
					gws := backend.Gateways()
					So(gws, ShouldHaveLength, 1)
					So(gws[0].Addr, ShouldEqual, conn.LocalAddr().String())
					So(*gws[0].MAC, ShouldEqual, mac)

					gw, ok := backend.Gateway(conn.LocalAddr().String())
					So(ok, ShouldBeTrue)
					So(gw.ProtocolVersion, ShouldEqual, packets.ProtocolVersion2)
				})

				Convey("When the same gateway sends a PULL_DATA from a new address", func() {
					_, err := nextEvent(backend)
					So(err, ShouldBeNil)

					conn2, err := newGatewayConn()
					So(err, ShouldBeNil)
					defer conn2.Close()
					So(writePacket(conn2, addr, p), ShouldBeNil)

					Convey("Then a GatewayAddrUpdated event is emitted", func() {
						e, err := nextEvent(backend)
						So(err, ShouldBeNil)
						So(e.Type, ShouldEqual, GatewayAddrUpdated)
						So(e.Addr.String(), ShouldEqual, conn2.LocalAddr().String())
					})
				})
			})

			Convey("When sending a PUSH_DATA packet with stats", func() {
				p := packets.PushDataPacket{
					ProtocolVersion: packets.ProtocolVersion1,
					RandomToken:     1234,
					GatewayMAC:      mac,
					Payload: packets.PushDataPayload{
						Stat: &packets.Stat{
							Time: packets.ExpandedTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
							RXNb: 1,
							RXOK: 2,
							RXFW: 3,
							DWNb: 4,
						},
					},
				}
				So(writePacket(conn, addr, p), ShouldBeNil)

				Convey("Then an ACK packet is returned", func() {
					ack, err := readPacket(conn)
					So(err, ShouldBeNil)
					So(ack, ShouldResemble, &packets.PushACKPacket{
						ProtocolVersion: packets.ProtocolVersion1,
						RandomToken:     1234,
					})
				})

				Convey("Then the stats are emitted and stored", func() {
					e, err := nextEvent(backend)
					So(err, ShouldBeNil)
					So(e.Type, ShouldEqual, StatReceived)
					So(e.Stat.RXOK, ShouldEqual, 2)

					gw, ok := backend.Gateway(conn.LocalAddr().String())
					So(ok, ShouldBeTrue)
					So(gw.Stat, ShouldNotBeNil)
					So(gw.Stat.DWNb, ShouldEqual, 4)
				})
			})

			Convey("When sending a PUSH_DATA packet with RXPK twice", func() {
				p := packets.PushDataPacket{
					ProtocolVersion: packets.ProtocolVersion2,
					RandomToken:     4321,
					GatewayMAC:      mac,
					Payload: packets.PushDataPayload{
						RXPK: []packets.RXPK{
							{
								Tmst: 708016819,
								Freq: 868.5,
								Chan: 2,
								RFCh: 1,
								Stat: 1,
								Modu: "LORA",
								DatR: packets.DatR{LoRa: "SF7BW125"},
								CodR: "4/5",
								Size: 4,
								Data: packets.Payload{1, 2, 3, 4},
							},
						},
					},
				}
				So(writePacket(conn, addr, p), ShouldBeNil)
				So(writePacket(conn, addr, p), ShouldBeNil)

				Convey("Then both are acknowledged", func() {
					for i := 0; i < 2; i++ {
						ack, err := readPacket(conn)
						So(err, ShouldBeNil)
						So(ack.Token(), ShouldEqual, 4321)
						So(ack.PacketType(), ShouldEqual, packets.PushACK)
					}
				})

				Convey("Then both are emitted as uplink events", func() {
					for i := 0; i < 2; i++ {
						e, err := nextEvent(backend)
						So(err, ShouldBeNil)
						So(e.Type, ShouldEqual, Uplink)
						So(e.Token, ShouldEqual, 4321)
						So(e.RXPK, ShouldHaveLength, 1)
						So([]byte(e.RXPK[0].Data), ShouldResemble, []byte{1, 2, 3, 4})
					}
				})
			})

			Convey("When sending garbage followed by a PULL_DATA packet", func() {
				_, err := conn.WriteTo([]byte{0x01}, addr)
				So(err, ShouldBeNil)
				_, err = conn.WriteTo([]byte{0x09, 0x00, 0x00, 0x00}, addr)
				So(err, ShouldBeNil)
				So(writePacket(conn, addr, packets.PullDataPacket{
					ProtocolVersion: packets.ProtocolVersion2,
					RandomToken:     1,
					GatewayMAC:      mac,
				}), ShouldBeNil)

				Convey("Then the garbage is dropped and the PULL_DATA acknowledged", func() {
					ack, err := readPacket(conn)
					So(err, ShouldBeNil)
					So(ack.PacketType(), ShouldEqual, packets.PullACK)
					So(ack.Token(), ShouldEqual, 1)
				})
			})

			Convey("When sending a PUSH_DATA packet with an invalid body", func() {
				data := []byte{0x02, 0x01, 0x00, 0x00, 1, 2, 3, 4, 5, 6, 7, 8, '[', ']'}
				_, err := conn.WriteTo(data, addr)
				So(err, ShouldBeNil)

				Convey("Then an InvalidPayload event is emitted", func() {
					e, err := nextEvent(backend)
					So(err, ShouldBeNil)
					So(e.Type, ShouldEqual, InvalidPayload)
					So(e.Data, ShouldResemble, data)
					So(errors.Is(e.Err, packets.ErrInvalidPayload), ShouldBeTrue)
				})
			})

			Convey("When sending a downlink to an unknown gateway", func() {
				err := backend.SendDownlinkToGateway(context.Background(), lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}, txpk)

				Convey("Then ErrUnknownGateway is returned", func() {
					So(errors.Is(err, ErrUnknownGateway), ShouldBeTrue)
					So(OutcomeOf(err), ShouldEqual, Failed)
				})
			})

			Convey("Given the gateway registered its downlink channel", func() {
				So(writePacket(conn, addr, packets.PullDataPacket{
					ProtocolVersion: packets.ProtocolVersion2,
					RandomToken:     1,
					GatewayMAC:      mac,
				}), ShouldBeNil)
				_, err := readPacket(conn)
				So(err, ShouldBeNil)

				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				result := make(chan error, 1)
				go func() {
					result <- backend.SendDownlinkToGateway(ctx, mac, txpk)
				}()

				pkt, err := readPacket(conn)
				So(err, ShouldBeNil)
				pullResp, ok := pkt.(*packets.PullRespPacket)
				So(ok, ShouldBeTrue)
				So(pullResp.ProtocolVersion, ShouldEqual, packets.ProtocolVersion2)
				So(pullResp.Payload.TXPK, ShouldResemble, txpk)

				Convey("When the gateway acknowledges without error", func() {
					So(writePacket(conn, addr, packets.TXACKPacket{
						ProtocolVersion: packets.ProtocolVersion2,
						RandomToken:     pullResp.RandomToken,
						GatewayMAC:      &mac,
					}), ShouldBeNil)

					Convey("Then the downlink is delivered", func() {
						err := <-result
						So(err, ShouldBeNil)
						So(OutcomeOf(err), ShouldEqual, Delivered)
					})
				})

				Convey("When the gateway acknowledges with NONE", func() {
					So(writePacket(conn, addr, packets.TXACKPacket{
						ProtocolVersion: packets.ProtocolVersion2,
						RandomToken:     pullResp.RandomToken,
						Payload: &packets.TXACKPayload{
							TXPKACK: &packets.TXPKACK{Error: packets.TXAckNone},
						},
					}), ShouldBeNil)

					Convey("Then the downlink is delivered", func() {
						So(<-result, ShouldBeNil)
					})
				})

				Convey("When the gateway rejects the downlink", func() {
					So(writePacket(conn, addr, packets.TXACKPacket{
						ProtocolVersion: packets.ProtocolVersion2,
						RandomToken:     pullResp.RandomToken,
						GatewayMAC:      &mac,
						Payload: &packets.TXACKPayload{
							TXPKACK: &packets.TXPKACK{Error: packets.TXAckTooLate},
						},
					}), ShouldBeNil)

					Convey("Then the rejection reason is returned", func() {
						err := <-result
						var txErr *TXAckError
						So(errors.As(err, &txErr), ShouldBeTrue)
						So(txErr.Code, ShouldEqual, packets.TXAckTooLate)
						So(OutcomeOf(err), ShouldEqual, Rejected)
					})
				})

				Convey("When an unsolicited TX_ACK arrives first", func() {
					So(writePacket(conn, addr, packets.TXACKPacket{
						ProtocolVersion: packets.ProtocolVersion2,
						RandomToken:     pullResp.RandomToken + 1,
						Payload: &packets.TXACKPayload{
							TXPKACK: &packets.TXPKACK{Error: packets.TXAckCollisionPacket},
						},
					}), ShouldBeNil)
					So(writePacket(conn, addr, packets.TXACKPacket{
						ProtocolVersion: packets.ProtocolVersion2,
						RandomToken:     pullResp.RandomToken,
					}), ShouldBeNil)

					Convey("Then it is ignored", func() {
						So(<-result, ShouldBeNil)
					})
				})

				// Uplink and downlink tokens are independent: a PUSH_DATA
				// carrying the token of a pending downlink does not resolve it.
				Convey("When a PUSH_DATA reuses the token of the pending downlink", func() {
					So(writePacket(conn, addr, packets.PushDataPacket{
						ProtocolVersion: packets.ProtocolVersion2,
						RandomToken:     pullResp.RandomToken,
						GatewayMAC:      mac,
					}), ShouldBeNil)

					Convey("Then it is acknowledged and the downlink stays pending", func() {
						ack, err := readPacket(conn)
						So(err, ShouldBeNil)
						So(ack.PacketType(), ShouldEqual, packets.PushACK)
						So(ack.Token(), ShouldEqual, pullResp.RandomToken)

						gw, ok := backend.Gateway(conn.LocalAddr().String())
						So(ok, ShouldBeTrue)
						So(gw.PendingACKs, ShouldEqual, 1)

						So(writePacket(conn, addr, packets.TXACKPacket{
							ProtocolVersion: packets.ProtocolVersion2,
							RandomToken:     pullResp.RandomToken,
						}), ShouldBeNil)
						So(<-result, ShouldBeNil)
					})
				})

				Convey("When no TX_ACK arrives", func() {
					Convey("Then the downlink times out", func() {
						err := <-result
						So(errors.Is(err, correlator.ErrTimeout), ShouldBeTrue)
						So(OutcomeOf(err), ShouldEqual, TimedOut)

						gw, ok := backend.Gateway(conn.LocalAddr().String())
						So(ok, ShouldBeTrue)
						So(gw.PendingACKs, ShouldEqual, 0)
					})
				})

				Convey("When the caller cancels", func() {
					cancel()

					Convey("Then the pending entry is removed", func() {
						err := <-result
						So(err, ShouldEqual, context.Canceled)
						So(OutcomeOf(err), ShouldEqual, Cancelled)

						gw, ok := backend.Gateway(conn.LocalAddr().String())
						So(ok, ShouldBeTrue)
						So(gw.PendingACKs, ShouldEqual, 0)
					})
				})

				Convey("When the backend is closed", func() {
					So(backend.Close(), ShouldBeNil)

					Convey("Then the downlink resolves as session closed", func() {
						err := <-result
						So(errors.Is(err, correlator.ErrSessionClosed), ShouldBeTrue)
						So(OutcomeOf(err), ShouldEqual, SessionClosed)
					})

					Convey("Then new downlinks fail", func() {
						err := backend.SendDownlink(context.Background(), conn.LocalAddr(), txpk)
						So(errors.Is(err, ErrBackendClosed), ShouldBeTrue)
					})
				})
			})
		})
	})

	Convey("Given a Backend with a short session timeout", t, func() {
		config := testConfig()
		config.SessionTimeout = time.Millisecond * 100
		config.TXAckTimeout = time.Second * 5
		backend, err := Listen("127.0.0.1:0", config)
		So(err, ShouldBeNil)
		defer backend.Close()

		conn, err := newGatewayConn()
		So(err, ShouldBeNil)
		defer conn.Close()

		So(writePacket(conn, backend.Addr(), packets.PullDataPacket{
			ProtocolVersion: packets.ProtocolVersion2,
			RandomToken:     1,
			GatewayMAC:      mac,
		}), ShouldBeNil)
		_, err = readPacket(conn)
		So(err, ShouldBeNil)
		e, err := nextEvent(backend)
		So(err, ShouldBeNil)
		So(e.Type, ShouldEqual, NewGateway)

		Convey("When a downlink is pending and the gateway goes silent", func() {
			result := make(chan error, 1)
			go func() {
				result <- backend.SendDownlink(context.Background(), conn.LocalAddr(), txpk)
			}()
			_, err := readPacket(conn)
			So(err, ShouldBeNil)

			Convey("Then the session is evicted and the downlink resolves as session closed", func() {
				select {
				case err := <-result:
					So(errors.Is(err, correlator.ErrSessionClosed), ShouldBeTrue)
				case <-time.After(time.Second * 2):
					t.Fatal("downlink did not resolve")
				}

				e, err := nextEvent(backend)
				So(err, ShouldBeNil)
				So(e.Type, ShouldEqual, GatewayDisconnected)
				So(e.GatewayMAC, ShouldEqual, mac)
				So(backend.Gateways(), ShouldHaveLength, 0)
			})
		})
	})

	Convey("Given a Backend of which the events are not consumed", t, func() {
		config := testConfig()
		config.EventQueueSize = 1

		Convey("When the event queue is full and a downlink is sent", func() {
			backend, err := Listen("127.0.0.1:0", config)
			So(err, ShouldBeNil)
			defer backend.Close()

			conn, err := newGatewayConn()
			So(err, ShouldBeNil)
			defer conn.Close()

			So(writePacket(conn, backend.Addr(), packets.PullDataPacket{
				ProtocolVersion: packets.ProtocolVersion2,
				RandomToken:     1,
				GatewayMAC:      mac,
			}), ShouldBeNil)
			_, err = readPacket(conn)
			So(err, ShouldBeNil)

			for i := 0; i < 3; i++ {
				So(writePacket(conn, backend.Addr(), packets.PushDataPacket{
					ProtocolVersion: packets.ProtocolVersion2,
					RandomToken:     uint16(10 + i),
					GatewayMAC:      mac,
					Payload: packets.PushDataPayload{
						RXPK: []packets.RXPK{{
							Freq: 868.5,
							Stat: 1,
							Modu: "LORA",
							DatR: packets.DatR{LoRa: "SF7BW125"},
							CodR: "4/5",
							Size: 1,
							Data: packets.Payload{byte(i)},
						}},
					},
				}), ShouldBeNil)
				_, err = readPacket(conn)
				So(err, ShouldBeNil)
			}

			result := make(chan error, 1)
			go func() {
				result <- backend.SendDownlink(context.Background(), conn.LocalAddr(), txpk)
			}()
			p, err := readPacket(conn)
			So(err, ShouldBeNil)
			So(writePacket(conn, backend.Addr(), packets.TXACKPacket{
				ProtocolVersion: packets.ProtocolVersion2,
				RandomToken:     p.Token(),
				GatewayMAC:      &mac,
			}), ShouldBeNil)

			Convey("Then the TX_ACK is still read and the downlink is delivered", func() {
				select {
				case err := <-result:
					So(err, ShouldBeNil)
				case <-time.After(time.Second * 2):
					t.Fatal("downlink did not resolve")
				}

				Convey("Then only the first event was queued", func() {
					e, err := nextEvent(backend)
					So(err, ShouldBeNil)
					So(e.Type, ShouldEqual, NewGateway)
					So(backend.Receive(), ShouldHaveLength, 0)
				})
			})
		})

		Convey("When gateways are evicted while the queue is full", func() {
			config.SessionTimeout = time.Millisecond * 50
			backend, err := Listen("127.0.0.1:0", config)
			So(err, ShouldBeNil)
			defer backend.Close()

			for i := 0; i < 2; i++ {
				conn, err := newGatewayConn()
				So(err, ShouldBeNil)
				defer conn.Close()
				So(writePacket(conn, backend.Addr(), packets.PullDataPacket{
					ProtocolVersion: packets.ProtocolVersion2,
					RandomToken:     uint16(i),
					GatewayMAC:      lorawan.EUI64{byte(i + 1)},
				}), ShouldBeNil)
				_, err = readPacket(conn)
				So(err, ShouldBeNil)
			}

			other, err := newGatewayConn()
			So(err, ShouldBeNil)
			defer other.Close()

			result := make(chan error, 1)
			go func() {
				result <- backend.SendDownlink(context.Background(), other.LocalAddr(), txpk)
			}()

			Convey("Then the downlink still reaches a terminal outcome", func() {
				select {
				case err := <-result:
					o := OutcomeOf(err)
					So(o == TimedOut || o == SessionClosed, ShouldBeTrue)
				case <-time.After(time.Second * 3):
					t.Fatal("downlink did not resolve")
				}
			})
		})
	})

	Convey("Given an invalid configuration", t, func() {
		config := testConfig()
		config.TXAckTimeout = 0

		Convey("Then the Backend can not be created", func() {
			_, err := Listen("127.0.0.1:0", config)
			So(err, ShouldNotBeNil)
		})

		Convey("Then an event queue size of 0 is rejected", func() {
			config := testConfig()
			config.EventQueueSize = 0
			_, err := Listen("127.0.0.1:0", config)
			So(err, ShouldNotBeNil)
		})
	})
}
