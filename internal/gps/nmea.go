package gps

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const knotsToKmh = 1.852

// Parser folds NMEA 0183 sentences into a running Fix. Only RMC (position,
// speed, time) and GGA (quality, altitude) are used.
type Parser struct {
	fix Fix
	// now stamps fixes whose sentence carries no usable date.
	now func() time.Time
}

func NewParser() *Parser { return &Parser{now: time.Now} }

// Feed parses one line. It reports true when the line was an RMC sentence,
// which completes a fix update.
func (p *Parser) Feed(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") || !validateChecksum(line) {
		return false
	}
	parts := splitSentence(line)
	if len(parts[0]) < 5 {
		return false
	}
	switch parts[0][2:] {
	case "RMC":
		p.parseRMC(parts)
		return true
	case "GGA":
		p.parseGGA(parts)
	}
	return false
}

// Fix returns the current fix.
func (p *Parser) Fix() Fix { return p.fix }

func (p *Parser) parseRMC(parts []string) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	if len(parts) < 10 {
		return
	}
	p.fix.Valid = parts[2] == "A"
	p.fix.At = parseRMCTime(parts[1], parts[9], p.now)
	if !p.fix.Valid {
		p.fix.SpeedKmh = 0
		return
	}
	p.fix.Latitude = parseCoord(parts[3], parts[4])
	p.fix.Longitude = parseCoord(parts[5], parts[6])
	if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
		p.fix.SpeedKmh = spd * knotsToKmh
	}
	if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
		p.fix.Heading = hdg
	}
}

func (p *Parser) parseGGA(parts []string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	if len(parts) < 11 {
		return
	}
	if fix, err := strconv.Atoi(parts[6]); err == nil {
		p.fix.FixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		p.fix.Satellites = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		p.fix.HDOP = hdop
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		p.fix.Altitude = alt
	}
}

func parseRMCTime(hms, dmy string, now func() time.Time) time.Time {
	t, err := time.Parse("020106 150405", dmy+" "+hms)
	if err != nil {
		return now().UTC()
	}
	return t
}

// splitSentence strips the leading $ and the checksum suffix.
func splitSentence(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	return strings.Split(strings.TrimPrefix(line, "$"), ",")
}

// parseCoord converts NMEA ddmm.mmmm to decimal degrees.
func parseCoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	result := deg + (val-deg*100)/60
	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateChecksum checks the XOR checksum after *.
func validateChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 1 || idx+3 > len(line) {
		return false
	}
	var calc byte
	for i := 1; i < idx; i++ {
		calc ^= line[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	return err == nil && byte(expected) == calc
}

// NMEAProvider reads NMEA sentences from a UART GPS such as a u-blox
// NEO-M8N.
type NMEAProvider struct {
	portPath string
	baudRate int

	mu      sync.Mutex
	port    io.ReadCloser
	scanner *bufio.Scanner
	parser  *Parser
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	return &NMEAProvider{portPath: cfg.PortPath, baudRate: cfg.BaudRate, parser: NewParser()}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("gps: failed to set timeout: %w", err)
	}
	n.attach(port)
	log.Printf("[gps] connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

func (n *NMEAProvider) attach(r io.ReadCloser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.port = r
	n.scanner = bufio.NewScanner(r)
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scanner = nil
	if n.port != nil {
		err := n.port.Close()
		n.port = nil
		return err
	}
	return nil
}

// Read consumes sentences until an RMC completes a fix, or the input runs
// dry for now.
func (n *NMEAProvider) Read() (Fix, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.scanner == nil {
		return n.parser.Fix(), fmt.Errorf("gps: not connected")
	}
	for i := 0; i < 20; i++ {
		if !n.scanner.Scan() {
			if err := n.scanner.Err(); err != nil {
				return n.parser.Fix(), fmt.Errorf("gps: read: %w", err)
			}
			break
		}
		if n.parser.Feed(n.scanner.Text()) {
			break
		}
	}
	return n.parser.Fix(), nil
}
