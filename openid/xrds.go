package openid

import (
	"encoding/xml"
	"math"
	"sort"
	"strconv"
	"strings"
)

type xrdsDocument struct {
	XMLName xml.Name `xml:"XRDS"`
	XRDs    []xrd    `xml:"XRD"`
}

type xrd struct {
	Services []xrdService `xml:"Service"`
}

type xrdService struct {
	Priority string   `xml:"priority,attr"`
	Types    []string `xml:"Type"`
	URIs     []xrdURI `xml:"URI"`
	LocalID  string   `xml:"LocalID"`
	Delegate string   `xml:"Delegate"`
}

type xrdURI struct {
	Priority string `xml:"priority,attr"`
	Value    string `xml:",chardata"`
}

// typeRank orders service types: OP identifiers before claimed identifiers
// before the 1.x protocols.
func typeRank(types []string) (rank int, version string, ok bool) {
	best := math.MaxInt
	for _, t := range types {
		t = strings.TrimSpace(t)
		var r int
		var v string
		switch t {
		case TypeServer20:
			r, v = 0, "2.0"
		case TypeSignon20:
			r, v = 1, "2.0"
		case TypeSignon11:
			r, v = 2, "1.1"
		case TypeSignon10:
			r, v = 3, "1.0"
		default:
			continue
		}
		if r < best {
			best, version = r, v
		}
	}
	return best, version, best != math.MaxInt
}

func parsePriority(p string) int {
	n, err := strconv.Atoi(strings.TrimSpace(p))
	if err != nil || n < 0 {
		return math.MaxInt
	}
	return n
}

type rankedEndpoint struct {
	Endpoint
	typeRank    int
	servicePrio int
	uriPrio     int
	order       int
}

// endpointsFromXRDS extracts OpenID endpoints from the final XRD of a
// document. claimedID is the identifier the document was fetched for.
func endpointsFromXRDS(body []byte, claimedID string) ([]Endpoint, error) {
	var doc xrdsDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if len(doc.XRDs) == 0 {
		return nil, nil
	}
	final := doc.XRDs[len(doc.XRDs)-1]

	var ranked []rankedEndpoint
	for _, svc := range final.Services {
		rank, version, ok := typeRank(svc.Types)
		if !ok {
			continue
		}
		types := make([]string, 0, len(svc.Types))
		for _, t := range svc.Types {
			types = append(types, strings.TrimSpace(t))
		}
		localID := strings.TrimSpace(svc.LocalID)
		if localID == "" {
			localID = strings.TrimSpace(svc.Delegate)
		}
		for _, uri := range svc.URIs {
			opURL := strings.TrimSpace(uri.Value)
			if opURL == "" {
				continue
			}
			ep := Endpoint{URL: opURL, Version: version, Types: types}
			if rank == 0 {
				ep.ClaimedID = IdentifierSelect
				ep.LocalID = IdentifierSelect
			} else {
				ep.ClaimedID = claimedID
				ep.LocalID = localID
			}
			ranked = append(ranked, rankedEndpoint{
				Endpoint:    ep,
				typeRank:    rank,
				servicePrio: parsePriority(svc.Priority),
				uriPrio:     parsePriority(uri.Priority),
				order:       len(ranked),
			})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.typeRank != b.typeRank {
			return a.typeRank < b.typeRank
		}
		if a.servicePrio != b.servicePrio {
			return a.servicePrio < b.servicePrio
		}
		if a.uriPrio != b.uriPrio {
			return a.uriPrio < b.uriPrio
		}
		return a.order < b.order
	})

	out := make([]Endpoint, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.Endpoint)
	}
	return out, nil
}
