package predicate

import (
	"strings"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/fuzzy"
	"github.com/otcheredev/dicom-archive-core/internal/models"
)

// Unknown is the stored sentinel for attributes absent at store time.
const Unknown = models.Unknown

// IsUniversal reports whether a matching value matches everything.
func IsUniversal(value string) bool {
	v := strings.TrimSpace(value)
	return v == "" || strings.Trim(v, "*") == ""
}

// HasWildcard reports whether value contains * or ?.
func HasWildcard(value string) bool {
	return strings.ContainsAny(value, "*?")
}

// ToLike translates a DICOM wildcard value to a LIKE pattern: * becomes %
// (runs collapse to one), ? becomes _, and literal %, _ and ! are escaped.
func ToLike(value string) string {
	var b strings.Builder
	star := false
	for _, r := range value {
		if r == '*' {
			if !star {
				b.WriteByte('%')
			}
			star = true
			continue
		}
		star = false
		switch r {
		case '?':
			b.WriteByte('_')
		case '%', '_', '!':
			b.WriteByte('!')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unknown(col Column) Expr {
	return Compare{Col: col, Op: Eq, Value: Unknown}
}

func known(col Column) Expr {
	return Compare{Col: col, Op: Ne, Value: Unknown}
}

func withUnknown(m Expr, col Column, matchUnknown bool) Expr {
	if !matchUnknown {
		return m
	}
	return Or{m, unknown(col)}
}

// match is the wildcard predicate without unknown matching.
func match(col Column, value string) Expr {
	if IsUniversal(value) {
		return nil
	}
	if HasWildcard(value) {
		return Like{Col: col, Pattern: ToLike(value)}
	}
	return Compare{Col: col, Op: Eq, Value: value}
}

// Wildcard matches a single-valued attribute.
func Wildcard(col Column, value string, matchUnknown bool) Expr {
	m := match(col, value)
	if m == nil {
		return nil
	}
	return withUnknown(m, col, matchUnknown)
}

// UIDs matches a list of UIDs. UIDs take neither wildcards nor unknown
// matching; "*" or an empty list matches everything.
func UIDs(col Column, uids []string) Expr {
	var vals []string
	for _, u := range uids {
		u = strings.TrimSpace(u)
		if u == "*" {
			return nil
		}
		if u != "" {
			vals = append(vals, u)
		}
	}
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return Compare{Col: col, Op: Eq, Value: vals[0]}
	}
	return In{Col: col, Values: vals}
}

// NameColumns are the columns of one stored person name.
type NameColumns struct {
	Groups     [3]Column
	FamilyCode Column
	GivenCode  Column
}

// NameCols returns the columns written for models.PersonName embedded with
// the given prefix.
func NameCols(table, prefix string) NameColumns {
	return NameColumns{
		Groups: [3]Column{
			Col(table, prefix+"alphabetic"),
			Col(table, prefix+"ideographic"),
			Col(table, prefix+"phonetic"),
		},
		FamilyCode: Col(table, prefix+"family_code"),
		GivenCode:  Col(table, prefix+"given_code"),
	}
}

// PersonName matches a PN value. A non-nil fz selects phonetic matching on
// the family and given name codes.
//
// With unknown matching, the two-component fuzzy form accepts the sentinel
// in each column of each (family, given) pair, while the one-component form
// only accepts rows where both codes are unknown.
func PersonName(cols NameColumns, value string, fz fuzzy.FuzzyStr, matchUnknown bool) Expr {
	if IsUniversal(value) {
		return nil
	}
	pn := dcm.ParsePersonName(value)
	if fz != nil {
		if m := fuzzyName(cols, pn, fz, matchUnknown); m != nil {
			return m
		}
	}
	if pn.Groups() <= 1 {
		pattern := strings.ToUpper(pn.Group(dcm.Alphabetic))
		if IsUniversal(pattern) {
			return nil
		}
		or := Or{}
		for _, col := range cols.Groups {
			or = append(or, match(col, pattern))
		}
		if matchUnknown {
			or = append(or, And{unknown(cols.Groups[0]), unknown(cols.Groups[1]), unknown(cols.Groups[2])})
		}
		return or
	}
	var parts []Expr
	for g := 0; g < pn.Groups(); g++ {
		pattern := strings.ToUpper(pn.Group(dcm.NameGroup(g)))
		parts = append(parts, Wildcard(cols.Groups[g], pattern, matchUnknown))
	}
	return AllOf(parts...)
}

func fuzzyName(cols NameColumns, pn dcm.PersonName, fz fuzzy.FuzzyStr, matchUnknown bool) Expr {
	family := fuzzyTerm(pn.Get(dcm.Alphabetic, dcm.FamilyName), fz)
	given := fuzzyTerm(pn.Get(dcm.Alphabetic, dcm.GivenName), fz)
	switch {
	case family != nil && given != nil:
		pair := func(f, g *codeTerm) Expr {
			return And{
				withUnknown(f.on(cols.FamilyCode), cols.FamilyCode, matchUnknown),
				withUnknown(g.on(cols.GivenCode), cols.GivenCode, matchUnknown),
			}
		}
		return Or{pair(family, given), pair(given, family)}
	case family != nil || given != nil:
		term := family
		if term == nil {
			term = given
		}
		or := Or{term.on(cols.FamilyCode), term.on(cols.GivenCode)}
		// The single code may sit in either column, so a row counts as an
		// unknown name only when both codes are unknown. A row with one known
		// code must match that code.
		if matchUnknown {
			or = append(or, And{unknown(cols.FamilyCode), unknown(cols.GivenCode)})
		}
		return or
	}
	return nil
}

// codeTerm is the phonetic code of one query component; prefix is set when
// the component ended with a wildcard.
type codeTerm struct {
	code   string
	prefix bool
}

func fuzzyTerm(component string, fz fuzzy.FuzzyStr) *codeTerm {
	if IsUniversal(component) {
		return nil
	}
	stripped := strings.Map(func(r rune) rune {
		if r == '*' || r == '?' {
			return -1
		}
		return r
	}, component)
	code := fz.ToFuzzy(stripped)
	if code == "" {
		return nil
	}
	return &codeTerm{code: code, prefix: strings.HasSuffix(component, "*")}
}

func (c *codeTerm) on(col Column) Expr {
	if c.prefix {
		return Like{Col: col, Pattern: ToLike(c.code) + "%"}
	}
	return Compare{Col: col, Op: Eq, Value: c.code}
}

// DateRange matches a DA, TM or DT range against a canonical column.
func DateRange(col Column, value string, kind dcm.TemporalKind, matchUnknown bool) (Expr, error) {
	if IsUniversal(value) {
		return nil, nil
	}
	r, err := dcm.ParseRange(value)
	if err != nil {
		return nil, err
	}
	n, err := dcm.NormalizeRange(kind, r)
	if err != nil {
		return nil, err
	}
	var m Expr
	switch {
	case n.Start == "":
		m = And{known(col), Compare{Col: col, Op: Le, Value: n.End}}
	case n.End == "":
		m = Compare{Col: col, Op: Ge, Value: n.Start}
	case n.Start == n.End:
		m = Compare{Col: col, Op: Eq, Value: n.Start}
	default:
		m = Between{Col: col, Lo: n.Start, Hi: n.End}
	}
	return withUnknown(m, col, matchUnknown), nil
}

// CombinedDateTime matches a date range and a time range as one datetime
// range over a (date, time) column pair.
func CombinedDateTime(dateCol, timeCol Column, dateValue, timeValue string, matchUnknown bool) (Expr, error) {
	if IsUniversal(dateValue) {
		return DateRange(timeCol, timeValue, dcm.KindTime, matchUnknown)
	}
	dr, err := dcm.ParseRange(dateValue)
	if err != nil {
		return nil, err
	}
	if dr, err = dcm.NormalizeRange(dcm.KindDate, dr); err != nil {
		return nil, err
	}
	var tr dcm.Range
	if !IsUniversal(timeValue) {
		if tr, err = dcm.ParseRange(timeValue); err != nil {
			return nil, err
		}
		if tr, err = dcm.NormalizeRange(dcm.KindTime, tr); err != nil {
			return nil, err
		}
	}
	var start, end Expr
	if dr.Start != "" {
		start = fromDateTime(dateCol, timeCol, dr.Start, tr.Start, matchUnknown)
	}
	if dr.End != "" {
		end = untilDateTime(dateCol, timeCol, dr.End, tr.End, matchUnknown)
	}
	return AllOf(start, end), nil
}

// fromDateTime matches (date, time) >= (d, t).
func fromDateTime(dateCol, timeCol Column, d, t string, matchUnknown bool) Expr {
	if t == "" {
		return withUnknown(Compare{Col: dateCol, Op: Ge, Value: d}, dateCol, matchUnknown)
	}
	or := Or{
		And{Compare{Col: dateCol, Op: Eq, Value: d}, Compare{Col: timeCol, Op: Ge, Value: t}},
		Compare{Col: dateCol, Op: Gt, Value: d},
	}
	if matchUnknown {
		or = append(or, And{Compare{Col: dateCol, Op: Eq, Value: d}, unknown(timeCol)}, unknown(dateCol))
	}
	return or
}

// untilDateTime matches (date, time) <= (d, t).
func untilDateTime(dateCol, timeCol Column, d, t string, matchUnknown bool) Expr {
	if t == "" {
		return withUnknown(And{known(dateCol), Compare{Col: dateCol, Op: Le, Value: d}}, dateCol, matchUnknown)
	}
	or := Or{
		And{Compare{Col: dateCol, Op: Eq, Value: d}, known(timeCol), Compare{Col: timeCol, Op: Le, Value: t}},
		And{known(dateCol), Compare{Col: dateCol, Op: Lt, Value: d}},
	}
	if matchUnknown {
		or = append(or, And{Compare{Col: dateCol, Op: Eq, Value: d}, unknown(timeCol)}, unknown(dateCol))
	}
	return or
}

// codeWhere conjoins wildcard matches on the sub-fields of a code item.
func codeWhere(rel Relation, item *dcm.Attributes) Expr {
	return AllOf(
		match(rel.C("code_value"), item.String(dcm.CodeValue)),
		match(rel.C("code_designator"), item.String(dcm.CodingSchemeDesignator)),
		match(rel.C("code_version"), item.String(dcm.CodingSchemeVersion)),
	)
}

// LinkedCode matches a coded concept attached to the owner row through a
// code link in the given role.
func LinkedCode(owner Column, role string, item *dcm.Attributes, matchUnknown bool) Expr {
	if item == nil {
		return nil
	}
	alias := "cl_" + strings.ToLower(role)
	link := Relation{Table: models.TableCodeLink, Alias: alias, FK: "owner_fk", Outer: owner}
	code := Relation{Table: models.TableCode, Alias: alias + "_code", FK: "pk", Outer: link.C("code_fk")}
	where := codeWhere(code, item)
	if where == nil {
		return nil
	}
	inRole := Compare{Col: link.C("role"), Op: Eq, Value: role}
	m := Exists{Rel: link, Where: And{inRole, Exists{Rel: code, Where: where}}}
	if matchUnknown {
		return Or{m, Not{Exists{Rel: link, Where: inRole}}}
	}
	return m
}

// Issuer matches the issuer referenced by fk on its three sub-fields.
func Issuer(fk Column, issuer *archive.Issuer, matchUnknown bool) Expr {
	if issuer.IsEmpty() {
		return nil
	}
	rel := Relation{Table: models.TableIssuer, Alias: fk.Table + "_issuer", FK: "pk", Outer: fk}
	where := AllOf(
		match(rel.C("entity_id"), issuer.LocalNamespaceEntityID),
		match(rel.C("entity_uid"), issuer.UniversalEntityID),
		match(rel.C("entity_uid_type"), issuer.UniversalEntityIDType),
	)
	if where == nil {
		return nil
	}
	m := Exists{Rel: rel, Where: where}
	if matchUnknown {
		return Or{m, IsNull{Col: fk}}
	}
	return m
}

// PatientIDs ORs the (id, issuer) pairs. A pair with a universal id matches
// every patient.
func PatientIDs(pids []archive.IDWithIssuer, matchUnknown bool) Expr {
	terms := make([]Expr, 0, len(pids))
	for _, p := range pids {
		if IsUniversal(p.ID) {
			return nil
		}
		terms = append(terms, AllOf(
			Wildcard(Col(models.TablePatient, "patient_id"), p.ID, matchUnknown),
			Issuer(Col(models.TablePatient, "issuer_fk"), p.Issuer, matchUnknown),
		))
	}
	return AnyOf(terms...)
}

// nested wraps the sub-field predicates of one sequence item into an
// existence test over the related rows.
func nested(rel Relation, where Expr, matchUnknown bool) Expr {
	if where == nil {
		return nil
	}
	m := Exists{Rel: rel, Where: where}
	if matchUnknown {
		return Or{m, Not{Exists{Rel: rel}}}
	}
	return m
}

// RequestAttributes matches one RequestAttributesSequence item against the
// request attributes of the series.
func RequestAttributes(seriesPK Column, item *dcm.Attributes, fz fuzzy.FuzzyStr, matchUnknown bool) Expr {
	if item == nil {
		return nil
	}
	rel := Relation{Table: models.TableRequestAttributes, Alias: "ra", FK: "series_fk", Outer: seriesPK}
	where := AllOf(
		Wildcard(rel.C("accession_no"), item.String(dcm.AccessionNumber), matchUnknown),
		Issuer(rel.C("accession_issuer_fk"), archive.AccessionIssuer(item), matchUnknown),
		UIDs(rel.C("study_iuid"), item.Strings(dcm.StudyInstanceUID)),
		Wildcard(rel.C("req_proc_id"), item.String(dcm.RequestedProcedureID), matchUnknown),
		Wildcard(rel.C("sps_id"), item.String(dcm.ScheduledProcedureStepID), matchUnknown),
		Wildcard(rel.C("req_service"), item.String(dcm.RequestingService), matchUnknown),
		PersonName(NameCols(rel.Name(), "req_phys_"), item.String(dcm.RequestingPhysician), fz, matchUnknown),
	)
	return nested(rel, where, matchUnknown)
}

// VerifyingObserver matches one VerifyingObserverSequence item.
func VerifyingObserver(instancePK Column, item *dcm.Attributes, fz fuzzy.FuzzyStr, matchUnknown bool) (Expr, error) {
	if item == nil {
		return nil, nil
	}
	rel := Relation{Table: models.TableVerifyingObserver, Alias: "vo", FK: "instance_fk", Outer: instancePK}
	when, err := DateRange(rel.C("verify_datetime"), item.String(dcm.VerificationDateTime), dcm.KindDateTime, matchUnknown)
	if err != nil {
		return nil, err
	}
	where := AllOf(
		PersonName(NameCols(rel.Name(), "observer_name_"), item.String(dcm.VerifyingObserverName), fz, matchUnknown),
		when,
	)
	return nested(rel, where, matchUnknown), nil
}

// ContentItem matches one ContentSequence item on its relationship type,
// concept name and either concept code or text value.
func ContentItem(instancePK Column, item *dcm.Attributes, matchUnknown bool) Expr {
	if item == nil {
		return nil
	}
	rel := Relation{Table: models.TableContentItem, Alias: "ci", FK: "instance_fk", Outer: instancePK}
	var name, code Expr
	if it := item.Item(dcm.ConceptNameCodeSequence); it != nil {
		c := Relation{Table: models.TableCode, Alias: "ci_name", FK: "pk", Outer: rel.C("name_fk")}
		if w := codeWhere(c, it); w != nil {
			name = Exists{Rel: c, Where: w}
		}
	}
	if it := item.Item(dcm.ConceptCodeSequence); it != nil {
		c := Relation{Table: models.TableCode, Alias: "ci_code", FK: "pk", Outer: rel.C("code_fk")}
		if w := codeWhere(c, it); w != nil {
			code = Exists{Rel: c, Where: w}
		}
	}
	where := AllOf(
		match(rel.C("rel_type"), item.String(dcm.RelationshipType)),
		name,
		code,
		Wildcard(rel.C("text_value"), item.String(dcm.TextValue), matchUnknown),
	)
	return nested(rel, where, matchUnknown)
}

// ModalitiesInStudy matches studies with at least one series of any of the
// given modalities.
func ModalitiesInStudy(studyPK Column, modalities []string, matchUnknown bool) Expr {
	rel := Relation{Table: models.TableSeries, Alias: "mis", FK: "study_fk", Outer: studyPK}
	var ors []Expr
	for _, m := range modalities {
		w := Wildcard(rel.C("modality"), m, matchUnknown)
		if w == nil {
			return nil
		}
		ors = append(ors, w)
	}
	if len(ors) == 0 {
		return nil
	}
	return Exists{Rel: rel, Where: AnyOf(ors...)}
}

// SOPClassesInStudy matches studies with at least one instance of any of the
// given SOP classes.
func SOPClassesInStudy(studyPK Column, cuids []string) Expr {
	series := Relation{Table: models.TableSeries, Alias: "cis_series", FK: "study_fk", Outer: studyPK}
	inst := Relation{Table: models.TableInstance, Alias: "cis_inst", FK: "series_fk", Outer: series.C("pk")}
	where := UIDs(inst.C("sop_cuid"), cuids)
	if where == nil {
		return nil
	}
	return Exists{Rel: series, Where: Exists{Rel: inst, Where: where}}
}

// AccessControl restricts studies to those the roles may query. No roles
// means no restriction.
func AccessControl(studyIUID Column, roles []string) Expr {
	if len(roles) == 0 {
		return nil
	}
	rel := Relation{Table: models.TableStudyPermission, Alias: "sp", FK: "study_iuid", Outer: studyIUID}
	return Exists{Rel: rel, Where: And{
		Compare{Col: rel.C("action"), Op: Eq, Value: models.ActionQuery},
		In{Col: rel.C("role"), Values: roles},
	}}
}
