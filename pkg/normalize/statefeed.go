package normalize

import (
	"encoding/xml"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

type stateFeedBill struct {
	XMLName xml.Name `xml:"item"`
	Session string   `xml:"bill>session"`
	Number  string   `xml:"bill>number"`
	Title   string   `xml:"bill>title"`
	Status  string   `xml:"bill>status"`
	Chamber string   `xml:"bill>chamber"`
	Updated string   `xml:"bill>updated"`
}

var stateBillStatuses = []string{"introduced", "in_committee", "passed", "failed", "signed", "vetoed"}

func normalizeStateFeedBill(raw []byte) ([]Record, error) {
	var bill stateFeedBill
	if err := xml.Unmarshal(raw, &bill); err != nil {
		return nil, reject("", "malformed XML: %v", err)
	}

	session := strings.TrimSpace(bill.Session)
	if session == "" {
		return nil, reject("session", "missing session")
	}
	number := strings.ToUpper(strings.TrimSpace(bill.Number))
	if number == "" {
		return nil, reject("number", "missing bill number")
	}
	title := cleanText(bill.Title)
	if title == "" {
		return nil, reject("title", "missing title")
	}

	data := map[string]any{
		"session": session,
		"number":  number,
		"title":   title,
	}
	if status := strings.ToLower(strings.TrimSpace(bill.Status)); status != "" {
		if !oneOf(status, stateBillStatuses...) {
			return nil, reject("status", "unknown status %q", bill.Status)
		}
		data["status"] = status
	}
	if chamber, ok := normalizeChamber(bill.Chamber); ok {
		data["chamber"] = chamber
	}
	if d, ok := parseDate(bill.Updated); ok {
		data["updated"] = d
	}

	return []Record{{
		EntityType: models.EntityTypeBill,
		NaturalKey: models.BuildNaturalKey(session, number),
		Data:       data,
	}}, nil
}

type stateFeedVote struct {
	XMLName    xml.Name `xml:"item"`
	Session    string   `xml:"vote>session"`
	BillNumber string   `xml:"vote>bill_number"`
	Motion     string   `xml:"vote>motion"`
	Chamber    string   `xml:"vote>chamber"`
	Date       string   `xml:"vote>date"`
	Yes        int      `xml:"vote>yes"`
	No         int      `xml:"vote>no"`
	Passed     bool     `xml:"vote>passed"`
}

func normalizeStateFeedVote(raw []byte) ([]Record, error) {
	var vote stateFeedVote
	if err := xml.Unmarshal(raw, &vote); err != nil {
		return nil, reject("", "malformed XML: %v", err)
	}

	session := strings.TrimSpace(vote.Session)
	if session == "" {
		return nil, reject("session", "missing session")
	}
	billNumber := strings.ToUpper(strings.TrimSpace(vote.BillNumber))
	if billNumber == "" {
		return nil, reject("bill_number", "missing bill number")
	}
	chamber, ok := normalizeChamber(vote.Chamber)
	if !ok {
		return nil, reject("chamber", "unknown chamber %q", vote.Chamber)
	}
	date, ok := parseDate(vote.Date)
	if !ok {
		return nil, reject("date", "missing or unparsable date %q", vote.Date)
	}

	data := map[string]any{
		"session":     session,
		"bill_number": billNumber,
		"chamber":     chamber,
		"date":        date,
		"yes":         vote.Yes,
		"no":          vote.No,
		"passed":      vote.Passed,
	}
	if vote.Motion != "" {
		data["motion"] = cleanText(vote.Motion)
	}

	return []Record{{
		EntityType: models.EntityTypeVote,
		NaturalKey: models.BuildNaturalKey(session, billNumber, chamber, date),
		Data:       data,
	}}, nil
}

type stateFeedMember struct {
	XMLName  xml.Name `xml:"item"`
	MemberID string   `xml:"member>member_id"`
	Name     string   `xml:"member>name"`
	Party    string   `xml:"member>party"`
	Chamber  string   `xml:"member>chamber"`
	District string   `xml:"member>district"`
}

func normalizeStateFeedMember(raw []byte) ([]Record, error) {
	var member stateFeedMember
	if err := xml.Unmarshal(raw, &member); err != nil {
		return nil, reject("", "malformed XML: %v", err)
	}

	memberID := strings.TrimSpace(member.MemberID)
	if memberID == "" {
		return nil, reject("member_id", "missing member id")
	}
	name := cleanText(member.Name)
	if name == "" {
		return nil, reject("name", "missing name")
	}

	data := map[string]any{
		"member_id": memberID,
		"name":      name,
	}
	if member.Party != "" {
		data["party"] = cleanText(member.Party)
	}
	if chamber, ok := normalizeChamber(member.Chamber); ok {
		data["chamber"] = chamber
	}
	if district := strings.TrimSpace(member.District); district != "" {
		data["district"] = district
	}

	return []Record{{
		EntityType: models.EntityTypeMember,
		NaturalKey: memberID,
		Data:       data,
	}}, nil
}
