package dhru

import (
	"encoding/xml"
	"fmt"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
)

// Catalog formats.
const (
	CatalogJSON = "json"
	CatalogXML  = "xml"
)

const (
	deliveryTime = "Instant"
	requirement  = "IMEI"
)

// ServiceGroup is one group of the JSON service list.
type ServiceGroup struct {
	GroupName string                  `json:"GROUPNAME"`
	Services  map[string]ServiceEntry `json:"SERVICES"`
}

// ServiceEntry describes one orderable service.
type ServiceEntry struct {
	ServiceID   string `json:"SERVICEID"`
	ServiceName string `json:"SERVICENAME"`
	Credit      string `json:"CREDIT"`
	Time        string `json:"TIME"`
	Info        string `json:"INFO"`
	Require     string `json:"REQUIRE"`
}

// GroupServices builds the JSON service list keyed by group name and service id.
func GroupServices(services []*domain.Service) map[string]ServiceGroup {
	groups := make(map[string]ServiceGroup)
	for _, s := range services {
		name := s.GroupName()
		group, ok := groups[name]
		if !ok {
			group = ServiceGroup{GroupName: name, Services: make(map[string]ServiceEntry)}
			groups[name] = group
		}
		group.Services[s.ID] = ServiceEntry{
			ServiceID:   s.ID,
			ServiceName: s.Name,
			Credit:      s.Price.StringFixed(2),
			Time:        deliveryTime,
			Info:        s.Name,
			Require:     requirement,
		}
	}
	return groups
}

type xmlServices struct {
	XMLName xml.Name   `xml:"SERVICES"`
	Groups  []xmlGroup `xml:"GROUP"`
}

type xmlGroup struct {
	Name     string       `xml:"NAME,attr"`
	Services []xmlService `xml:"SERVICE"`
}

type xmlService struct {
	ID      string `xml:"ID,attr"`
	Name    string `xml:"NAME,attr"`
	Price   string `xml:"PRICE,attr"`
	Time    string `xml:"TIME,attr"`
	Require string `xml:"REQUIRE,attr"`
}

// ServicesXML renders the service list as the legacy XML fragment embedded
// in LIST. Groups keep the order in which they first appear.
func ServicesXML(services []*domain.Service) (string, error) {
	var doc xmlServices
	index := make(map[string]int)
	for _, s := range services {
		name := s.GroupName()
		pos, ok := index[name]
		if !ok {
			pos = len(doc.Groups)
			index[name] = pos
			doc.Groups = append(doc.Groups, xmlGroup{Name: name})
		}
		doc.Groups[pos].Services = append(doc.Groups[pos].Services, xmlService{
			ID:      s.ID,
			Name:    s.Name,
			Price:   s.Price.StringFixed(2),
			Time:    deliveryTime,
			Require: requirement,
		})
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render service list: %w", err)
	}
	return string(out), nil
}

// ServiceList builds the imeiservicelist payload in the given format.
func ServiceList(services []*domain.Service, format string) (ServiceListResult, error) {
	if format == CatalogXML {
		list, err := ServicesXML(services)
		if err != nil {
			return ServiceListResult{}, err
		}
		return ServiceListResult{Message: MsgServiceList, List: list}, nil
	}
	return ServiceListResult{Message: MsgServiceList, List: GroupServices(services)}, nil
}
