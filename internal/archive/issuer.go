package archive

import (
	"strings"

	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

// Issuer qualifies an identifier with the namespace that assigned it.
type Issuer struct {
	LocalNamespaceEntityID string
	UniversalEntityID      string
	UniversalEntityIDType  string
}

// ParseIssuer parses the HL7 form "local&universal&type". Empty input
// yields nil.
func ParseIssuer(s string) *Issuer {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.SplitN(s, "&", 3)
	i := &Issuer{LocalNamespaceEntityID: parts[0]}
	if len(parts) > 1 {
		i.UniversalEntityID = parts[1]
	}
	if len(parts) > 2 {
		i.UniversalEntityIDType = parts[2]
	}
	if i.IsEmpty() {
		return nil
	}
	return i
}

func (i *Issuer) String() string {
	if i == nil {
		return ""
	}
	if i.UniversalEntityID == "" {
		return i.LocalNamespaceEntityID
	}
	return i.LocalNamespaceEntityID + "&" + i.UniversalEntityID + "&" + i.UniversalEntityIDType
}

// IsEmpty reports whether no identifying sub-field is set.
func (i *Issuer) IsEmpty() bool {
	return i == nil || (i.LocalNamespaceEntityID == "" && i.UniversalEntityID == "")
}

// Matches reports whether both issuers identify the same namespace. Sub-fields
// present on only one side are not compared, but at least one pair must be.
func (i *Issuer) Matches(o *Issuer) bool {
	if i.IsEmpty() || o.IsEmpty() {
		return false
	}
	compared := false
	if i.LocalNamespaceEntityID != "" && o.LocalNamespaceEntityID != "" {
		if i.LocalNamespaceEntityID != o.LocalNamespaceEntityID {
			return false
		}
		compared = true
	}
	if i.UniversalEntityID != "" && o.UniversalEntityID != "" {
		if i.UniversalEntityID != o.UniversalEntityID {
			return false
		}
		if i.UniversalEntityIDType != "" && o.UniversalEntityIDType != "" &&
			i.UniversalEntityIDType != o.UniversalEntityIDType {
			return false
		}
		compared = true
	}
	return compared
}

// Item encodes the issuer as an issuer sequence item (e.g. an item of
// IssuerOfAccessionNumberSequence).
func (i *Issuer) Item() *dcm.Attributes {
	item := dcm.NewAttributes()
	if i.LocalNamespaceEntityID != "" {
		item.Set(dcm.LocalNamespaceEntityID, dcm.VRUT, i.LocalNamespaceEntityID)
	}
	if i.UniversalEntityID != "" {
		item.Set(dcm.UniversalEntityID, dcm.VRUT, i.UniversalEntityID)
		item.Set(dcm.UniversalEntityIDType, dcm.VRCS, i.UniversalEntityIDType)
	}
	return item
}

// IssuerFromItem reads an issuer sequence item.
func IssuerFromItem(item *dcm.Attributes) *Issuer {
	if item == nil {
		return nil
	}
	i := &Issuer{
		LocalNamespaceEntityID: item.String(dcm.LocalNamespaceEntityID),
		UniversalEntityID:      item.String(dcm.UniversalEntityID),
		UniversalEntityIDType:  item.String(dcm.UniversalEntityIDType),
	}
	if i.IsEmpty() {
		return nil
	}
	return i
}

// PatientIssuer reads IssuerOfPatientID and its qualifiers.
func PatientIssuer(attrs *dcm.Attributes) *Issuer {
	i := &Issuer{LocalNamespaceEntityID: attrs.String(dcm.IssuerOfPatientID)}
	if q := attrs.Item(dcm.IssuerOfPatientIDQualifiersSequence); q != nil {
		i.UniversalEntityID = q.String(dcm.UniversalEntityID)
		i.UniversalEntityIDType = q.String(dcm.UniversalEntityIDType)
	}
	if i.IsEmpty() {
		return nil
	}
	return i
}

// SetPatientIssuer writes IssuerOfPatientID and its qualifiers. A nil issuer
// removes them.
func SetPatientIssuer(attrs *dcm.Attributes, i *Issuer) {
	attrs.Remove(dcm.IssuerOfPatientID)
	attrs.Remove(dcm.IssuerOfPatientIDQualifiersSequence)
	if i.IsEmpty() {
		return
	}
	if i.LocalNamespaceEntityID != "" {
		attrs.Set(dcm.IssuerOfPatientID, dcm.VRLO, i.LocalNamespaceEntityID)
	}
	if i.UniversalEntityID != "" {
		q := attrs.NewItem(dcm.IssuerOfPatientIDQualifiersSequence)
		q.Set(dcm.UniversalEntityID, dcm.VRUT, i.UniversalEntityID)
		q.Set(dcm.UniversalEntityIDType, dcm.VRCS, i.UniversalEntityIDType)
	}
}

// AccessionIssuer reads IssuerOfAccessionNumberSequence.
func AccessionIssuer(attrs *dcm.Attributes) *Issuer {
	return IssuerFromItem(attrs.Item(dcm.IssuerOfAccessionNumberSequence))
}

// IDWithIssuer is an identifier qualified by its issuer.
type IDWithIssuer struct {
	ID     string
	Issuer *Issuer
}

func (p IDWithIssuer) String() string {
	if p.Issuer.IsEmpty() {
		return p.ID
	}
	return p.ID + "^^^" + p.Issuer.String()
}

// PatientIDs returns the primary patient identifier followed by the entries
// of OtherPatientIDsSequence.
func PatientIDs(attrs *dcm.Attributes) []IDWithIssuer {
	var ids []IDWithIssuer
	if id := attrs.String(dcm.PatientID); id != "" {
		ids = append(ids, IDWithIssuer{ID: id, Issuer: PatientIssuer(attrs)})
	}
	for _, item := range attrs.Sequence(dcm.OtherPatientIDsSequence) {
		if id := item.String(dcm.PatientID); id != "" {
			ids = append(ids, IDWithIssuer{ID: id, Issuer: PatientIssuer(item)})
		}
	}
	return ids
}
