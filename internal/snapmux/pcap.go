//go:build pcap
// +build pcap

package snapmux

import (
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// NewPCAPSource replays UDP payloads from a capture file as transport lines,
// for offline development against recorded perception traffic. When realtime
// is true, replay is paced by the original capture timestamps; otherwise
// packets are delivered as fast as the mux consumes them.
// Only available when building with the 'pcap' build tag.
func NewPCAPSource(pcapFile string, udpPort int, realtime bool) (LineSource, error) {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}

	filter := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter %q: %w", filter, err)
	}

	r, w := io.Pipe()
	src := &pcapSource{reader: r, writer: w}

	go func() {
		defer handle.Close()
		defer w.Close()

		packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
		var lastTS time.Time
		count := 0

		for packet := range packetSource.Packets() {
			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			payload := udpLayer.(*layers.UDP).Payload
			if len(payload) == 0 {
				continue
			}

			if realtime {
				ts := packet.Metadata().Timestamp
				if !lastTS.IsZero() {
					if gap := ts.Sub(lastTS); gap > 0 {
						time.Sleep(gap)
					}
				}
				lastTS = ts
			}

			line := payload
			if line[len(line)-1] != '\n' {
				line = append(append([]byte(nil), line...), '\n')
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			count++
		}
		monitoring.Logf("snapmux: PCAP replay of %s complete (%d packets)", pcapFile, count)
	}()

	return src, nil
}

// pcapSource is a replay-only LineSource: commands are accepted and
// discarded, since there is no live device behind a capture file.
type pcapSource struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (s *pcapSource) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *pcapSource) Write(p []byte) (int, error) { return len(p), nil }

func (s *pcapSource) Close() error {
	return s.writer.Close()
}
