package service

import (
	"encoding/xml"
	"strconv"

	"github.com/yeisme/curatevault/pkg/internal/model"
)

// dataciteResource DataCite kernel-4 记录中归档需要的字段.
type dataciteResource struct {
	XMLName         xml.Name          `xml:"resource"`
	Xmlns           string            `xml:"xmlns,attr"`
	Identifier      dataciteID        `xml:"identifier"`
	Creators        []dataciteCreator `xml:"creators>creator"`
	Titles          []string          `xml:"titles>title"`
	Publisher       string            `xml:"publisher"`
	PublicationYear string            `xml:"publicationYear"`
	ResourceType    dataciteType      `xml:"resourceType"`
	Descriptions    []dataciteDesc    `xml:"descriptions>description,omitempty"`
}

type dataciteID struct {
	Type  string `xml:"identifierType,attr"`
	Value string `xml:",chardata"`
}

type dataciteCreator struct {
	Name           string               `xml:"creatorName"`
	GivenName      string               `xml:"givenName,omitempty"`
	FamilyName     string               `xml:"familyName,omitempty"`
	NameIdentifier *dataciteNameIDValue `xml:"nameIdentifier,omitempty"`
}

type dataciteNameIDValue struct {
	Scheme string `xml:"nameIdentifierScheme,attr"`
	Value  string `xml:",chardata"`
}

type dataciteType struct {
	General string `xml:"resourceTypeGeneral,attr"`
	Value   string `xml:",chardata"`
}

type dataciteDesc struct {
	Type  string `xml:"descriptionType,attr"`
	Value string `xml:",chardata"`
}

// dataciteXML 序列化作品的书目记录.
func dataciteXML(work *model.Work) ([]byte, error) {
	res := dataciteResource{
		Xmlns:           "http://datacite.org/schema/kernel-4",
		Identifier:      dataciteID{Type: "DOI", Value: work.DOI},
		Titles:          []string{work.Title},
		Publisher:       work.Publisher,
		PublicationYear: strconv.Itoa(work.PublicationYear),
		ResourceType:    dataciteType{General: "Dataset", Value: "Dataset"},
	}

	for _, c := range work.Creators {
		dc := dataciteCreator{
			Name:       c.FamilyName + ", " + c.GivenName,
			GivenName:  c.GivenName,
			FamilyName: c.FamilyName,
		}
		if c.ORCID != "" {
			dc.NameIdentifier = &dataciteNameIDValue{Scheme: "ORCID", Value: c.ORCID}
		}

		res.Creators = append(res.Creators, dc)
	}

	if work.Description != "" {
		res.Descriptions = []dataciteDesc{{Type: "Abstract", Value: work.Description}}
	}

	body, err := xml.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, err
	}

	return append([]byte(xml.Header), body...), nil
}
