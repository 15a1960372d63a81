package portscan

import "strings"

var servicePorts = map[int]string{
	21:    "FTP",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	80:    "HTTP",
	110:   "POP3",
	123:   "NTP",
	143:   "IMAP",
	443:   "HTTPS",
	465:   "SMTPS",
	587:   "Submission",
	993:   "IMAPS",
	995:   "POP3S",
	1433:  "MSSQL",
	1521:  "Oracle",
	3306:  "MySQL",
	3389:  "RDP",
	5432:  "PostgreSQL",
	5900:  "VNC",
	6379:  "Redis",
	8080:  "HTTP-Alt",
	8443:  "HTTPS-Alt",
	9200:  "Elasticsearch",
	27017: "MongoDB",
}

// KnownService returns the conventional service name for port, or "".
func KnownService(port int) string {
	return servicePorts[port]
}

// bannerKeywords is checked in order; the first hit wins.
var bannerKeywords = []struct {
	keywords []string
	service  string
}{
	{[]string{"ssh"}, "SSH"},
	{[]string{"ftp"}, "FTP"},
	{[]string{"smtp", "mail service"}, "SMTP"},
	{[]string{"http"}, "HTTP"},
	{[]string{"pop3"}, "POP3"},
	{[]string{"imap"}, "IMAP"},
	{[]string{"mysql"}, "MySQL"},
	{[]string{"postgresql"}, "PostgreSQL"},
	{[]string{"mongodb"}, "MongoDB"},
	{[]string{"redis"}, "Redis"},
	{[]string{"vnc"}, "VNC"},
	{[]string{"rdp", "remote desktop"}, "RDP"},
}

// DetectService names the service behind a banner, falling back to the port
// table when no keyword matches.
func DetectService(banner string, port int) string {
	lower := strings.ToLower(banner)
	for _, entry := range bannerKeywords {
		for _, kw := range entry.keywords {
			if !strings.Contains(lower, kw) {
				continue
			}
			if entry.service == "HTTP" && (port == 443 || strings.Contains(lower, "ssl") || strings.Contains(lower, "https")) {
				return "HTTPS"
			}
			return entry.service
		}
	}
	return KnownService(port)
}

// rankedPorts orders common TCP ports by how often they are found open on
// internet-facing hosts.
var rankedPorts = []int{
	80, 443, 22, 21, 25, 3389, 110, 445, 139, 143,
	53, 135, 3306, 8080, 1723, 111, 995, 993, 5900, 1025,
	587, 8888, 199, 1720, 465, 548, 113, 81, 6001, 10000,
	514, 5060, 179, 1026, 2000, 8443, 8000, 32768, 554, 26,
	1433, 49152, 2001, 515, 8008, 49154, 1027, 5666, 646, 5000,
	5631, 631, 49153, 8081, 2049, 88, 79, 5800, 106, 2121,
	1110, 49155, 6000, 513, 990, 5357, 427, 49156, 543, 544,
	5101, 144, 7, 389, 8009, 3128, 444, 9999, 5009, 7070,
	5190, 3000, 5432, 1900, 3986, 13, 1029, 9, 5051, 6646,
	49157, 1028, 873, 1755, 2717, 4899, 9100, 119, 37, 6379,
	9200, 27017, 11211, 5672, 15672, 9092, 2375, 2376, 6443, 10250,
}

// TopPorts returns the n most common ports. n larger than the table yields
// the whole table.
func TopPorts(n int) []int {
	if n <= 0 {
		return nil
	}
	if n > len(rankedPorts) {
		n = len(rankedPorts)
	}
	out := make([]int, n)
	copy(out, rankedPorts[:n])
	return out
}
