package negotiator

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	hostTypePreference = 126
	componentRTP       = 1
)

// candidatePriority follows the RFC 8445 formula for host candidates. TCP
// candidates get a lower local preference so UDP wins.
func candidatePriority(protocol string) uint32 {
	local := uint32(65535)
	if protocol == "tcp" {
		local = 65535 - 100
	}
	return (1<<24)*hostTypePreference + (1<<8)*local + (256 - componentRTP)
}

func hostCandidates(ip string, port int) []ICECandidate {
	udp := ICECandidate{
		Foundation: foundation("udp", ip),
		Priority:   candidatePriority("udp"),
		IP:         ip,
		Protocol:   "udp",
		Port:       port,
		Type:       "host",
	}
	tcp := ICECandidate{
		Foundation: foundation("tcp", ip),
		Priority:   candidatePriority("tcp"),
		IP:         ip,
		Protocol:   "tcp",
		Port:       port,
		Type:       "host",
		TCPType:    "passive",
	}
	return []ICECandidate{udp, tcp}
}

func foundation(protocol, ip string) string {
	return fmt.Sprintf("%s%08x", protocol, crc32.ChecksumIEEE([]byte(ip)))
}

// candidateInit renders c as an SDP candidate line for trickle signaling.
func candidateInit(c ICECandidate) webrtc.ICECandidateInit {
	line := fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, componentRTP, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.TCPType != "" {
		line += " tcptype " + c.TCPType
	}
	mid := "0"
	var index uint16
	return webrtc.ICECandidateInit{Candidate: line, SDPMid: &mid, SDPMLineIndex: &index}
}

var iceEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// randomToken returns n random bytes as lower-case base32, which stays inside
// the ICE char set.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(iceEncoding.EncodeToString(buf)), nil
}

func newICEParameters() (ICEParameters, error) {
	ufrag, err := randomToken(10)
	if err != nil {
		return ICEParameters{}, err
	}
	pwd, err := randomToken(20)
	if err != nil {
		return ICEParameters{}, err
	}
	return ICEParameters{UsernameFragment: ufrag, Password: pwd, ICELite: true}, nil
}

// portPool hands out ports from an inclusive range, cycling so a freed port
// is not reused immediately.
type portPool struct {
	min, max int
	next     int
	used     map[int]struct{}
}

func newPortPool(min, max int) *portPool {
	return &portPool{min: min, max: max, next: min, used: make(map[int]struct{})}
}

func (p *portPool) acquire() (int, bool) {
	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if _, taken := p.used[port]; !taken {
			p.used[port] = struct{}{}
			return port, true
		}
	}
	return 0, false
}

func (p *portPool) release(port int) {
	delete(p.used, port)
}
