// Command wiredump decodes telemetry traffic from a pcap capture. Datagrams
// sent to the controller port are decoded as telemetry values, datagrams
// sent from it as mode replies.
//
//	wiredump -codec positional -port 5800 capture.pcap
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/shrec5450/shrecvision/internal/telemetry"
)

var (
	port      = flag.Int("port", 5800, "Controller UDP port")
	codecName = flag.String("codec", "angle", "Payload codec: angle or positional")
	summary   = flag.Bool("summary", false, "Only print totals")
)

// Direction tells which half of the exchange a datagram belongs to.
type Direction int

const (
	ToController Direction = iota
	FromController
)

func (d Direction) String() string {
	if d == FromController {
		return "mode"
	}
	return "value"
}

// Record is one decoded datagram.
type Record struct {
	Time      time.Time
	Src, Dst  string
	Direction Direction
	Value     telemetry.Value
	Mode      telemetry.Mode
	Raw       []byte
	Err       error
}

// Totals counts decoded datagrams.
type Totals struct {
	Packets   int
	Values    int
	Modes     int
	Malformed int
	Ignored   int
}

var errNoMode = errors.New("payload carries no mode digit")

// Decode reads every packet of src and calls fn for each datagram to or from
// the controller port.
func Decode(src *gopacket.PacketSource, controllerPort uint16, codec telemetry.Codec, fn func(Record)) Totals {
	var t Totals
	for packet := range src.Packets() {
		t.Packets++
		rec, ok := decodePacket(packet, controllerPort, codec)
		if !ok {
			t.Ignored++
			continue
		}
		switch {
		case rec.Err != nil:
			t.Malformed++
		case rec.Direction == FromController:
			t.Modes++
		default:
			t.Values++
		}
		if fn != nil {
			fn(rec)
		}
	}
	return t
}

func decodePacket(packet gopacket.Packet, controllerPort uint16, codec telemetry.Codec) (Record, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return Record{}, false
	}
	udp := udpLayer.(*layers.UDP)

	var rec Record
	switch controllerPort {
	case uint16(udp.DstPort):
		rec.Direction = ToController
	case uint16(udp.SrcPort):
		rec.Direction = FromController
	default:
		return Record{}, false
	}

	rec.Raw = udp.Payload
	rec.Time = packet.Metadata().Timestamp
	srcIP, dstIP := "?", "?"
	if nl := packet.NetworkLayer(); nl != nil {
		srcIP, dstIP = nl.NetworkFlow().Src().String(), nl.NetworkFlow().Dst().String()
	}
	rec.Src = srcIP + ":" + strconv.Itoa(int(udp.SrcPort))
	rec.Dst = dstIP + ":" + strconv.Itoa(int(udp.DstPort))

	if rec.Direction == FromController {
		m, ok := telemetry.DecodeMode(udp.Payload)
		if !ok {
			rec.Err = errNoMode
		}
		rec.Mode = m
		return rec, true
	}
	rec.Value, rec.Err = codec.Decode(udp.Payload)
	return rec, true
}

func printRecords(w io.Writer) func(Record) {
	return func(r Record) {
		var body string
		switch {
		case r.Err != nil:
			body = fmt.Sprintf("malformed %q: %v", r.Raw, r.Err)
		case r.Direction == FromController:
			body = r.Mode.String()
		case r.Value.Kind == telemetry.KindPosition:
			p := r.Value.Position
			body = fmt.Sprintf("x=%.1f y=%.1f z=%.2f vx=%.2f vy=%.2f vz=%.2f", p.X, p.Y, p.Z, p.VX, p.VY, p.VZ)
		default:
			body = fmt.Sprintf("angle=%.3f", r.Value.Angle)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Time.Format("15:04:05.000"), r.Src, r.Dst, r.Direction, body)
	}
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] capture.pcap\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}
	if *port <= 0 || *port > 65535 {
		log.Fatalf("invalid port %d", *port)
	}
	codec, err := telemetry.NewCodec(*codecName)
	if err != nil {
		log.Fatalf("invalid codec: %v", err)
	}

	f, err := os.Open(filepath.Clean(flag.Arg(0)))
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("failed to read pcap header: %v", err)
	}
	src := gopacket.NewPacketSource(r, r.LinkType())

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	var fn func(Record)
	if !*summary {
		fn = printRecords(tw)
	}
	t := Decode(src, uint16(*port), codec, fn)
	tw.Flush()
	fmt.Printf("packets=%d values=%d modes=%d malformed=%d ignored=%d\n",
		t.Packets, t.Values, t.Modes, t.Malformed, t.Ignored)
}
