package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

var billTypes = []string{"hr", "s", "hjres", "sjres", "hconres", "sconres", "hres", "sres"}

type congressBill struct {
	Congress     int    `json:"congress"`
	Type         string `json:"type"`
	Number       string `json:"number"`
	Title        string `json:"title"`
	OriginChamber string `json:"originChamber"`
	UpdateDate   string `json:"updateDate"`
	LatestAction struct {
		ActionDate string `json:"actionDate"`
		Text       string `json:"text"`
	} `json:"latestAction"`
}

func normalizeCongressBill(raw []byte) ([]Record, error) {
	var bill congressBill
	if err := json.Unmarshal(raw, &bill); err != nil {
		return nil, reject("", "malformed JSON: %v", err)
	}

	if bill.Congress <= 0 {
		return nil, reject("congress", "missing or non-positive congress number")
	}
	billType := strings.ToLower(strings.TrimSpace(bill.Type))
	if billType == "" {
		return nil, reject("type", "missing bill type")
	}
	if !oneOf(billType, billTypes...) {
		return nil, reject("type", "unknown bill type %q", bill.Type)
	}
	number := strings.TrimSpace(bill.Number)
	if number == "" {
		return nil, reject("number", "missing bill number")
	}
	title := cleanText(bill.Title)
	if title == "" {
		return nil, reject("title", "missing title")
	}

	data := map[string]any{
		"congress": bill.Congress,
		"type":     billType,
		"number":   number,
		"title":    title,
	}
	if chamber, ok := normalizeChamber(bill.OriginChamber); ok {
		data["origin_chamber"] = chamber
	}
	if d, ok := parseDate(bill.UpdateDate); ok {
		data["update_date"] = d
	}
	if bill.LatestAction.Text != "" {
		action := map[string]any{"text": cleanText(bill.LatestAction.Text)}
		if d, ok := parseDate(bill.LatestAction.ActionDate); ok {
			action["date"] = d
		}
		data["latest_action"] = action
	}

	return []Record{{
		EntityType: models.EntityTypeBill,
		NaturalKey: models.BuildNaturalKey(fmt.Sprintf("%d", bill.Congress), billType, number),
		Data:       data,
	}}, nil
}

type congressVote struct {
	Congress   int    `json:"congress"`
	Chamber    string `json:"chamber"`
	Session    int    `json:"session"`
	RollNumber int    `json:"rollNumber"`
	Date       string `json:"date"`
	Result     string `json:"result"`
	Question   string `json:"question"`
	Totals     struct {
		Yea     int `json:"yea"`
		Nay     int `json:"nay"`
		Present int `json:"present"`
		NotVoting int `json:"notVoting"`
	} `json:"totals"`
}

func normalizeCongressVote(raw []byte) ([]Record, error) {
	var vote congressVote
	if err := json.Unmarshal(raw, &vote); err != nil {
		return nil, reject("", "malformed JSON: %v", err)
	}

	if vote.Congress <= 0 {
		return nil, reject("congress", "missing or non-positive congress number")
	}
	chamber, ok := normalizeChamber(vote.Chamber)
	if !ok {
		return nil, reject("chamber", "unknown chamber %q", vote.Chamber)
	}
	if vote.Session <= 0 {
		return nil, reject("session", "missing or non-positive session")
	}
	if vote.RollNumber <= 0 {
		return nil, reject("rollNumber", "missing or non-positive roll number")
	}

	data := map[string]any{
		"congress":    vote.Congress,
		"chamber":     chamber,
		"session":     vote.Session,
		"roll_number": vote.RollNumber,
		"totals": map[string]any{
			"yea":        vote.Totals.Yea,
			"nay":        vote.Totals.Nay,
			"present":    vote.Totals.Present,
			"not_voting": vote.Totals.NotVoting,
		},
	}
	if d, ok := parseDate(vote.Date); ok {
		data["date"] = d
	}
	if vote.Result != "" {
		data["result"] = cleanText(vote.Result)
	}
	if vote.Question != "" {
		data["question"] = cleanText(vote.Question)
	}

	return []Record{{
		EntityType: models.EntityTypeVote,
		NaturalKey: models.BuildNaturalKey(
			fmt.Sprintf("%d", vote.Congress),
			chamber,
			fmt.Sprintf("%d", vote.Session),
			fmt.Sprintf("%d", vote.RollNumber),
		),
		Data: data,
	}}, nil
}

type congressMember struct {
	BioguideID string `json:"bioguideId"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Party      string `json:"party"`
	Chamber    string `json:"chamber"`
	District   *int   `json:"district"`
}

func normalizeCongressMember(raw []byte) ([]Record, error) {
	var member congressMember
	if err := json.Unmarshal(raw, &member); err != nil {
		return nil, reject("", "malformed JSON: %v", err)
	}

	bioguide := strings.ToUpper(strings.TrimSpace(member.BioguideID))
	if bioguide == "" {
		return nil, reject("bioguideId", "missing bioguide id")
	}
	name := cleanText(member.Name)
	if name == "" {
		return nil, reject("name", "missing name")
	}

	data := map[string]any{
		"bioguide_id": bioguide,
		"name":        name,
	}
	if state := strings.ToUpper(strings.TrimSpace(member.State)); state != "" {
		data["state"] = state
	}
	if member.Party != "" {
		data["party"] = cleanText(member.Party)
	}
	if chamber, ok := normalizeChamber(member.Chamber); ok {
		data["chamber"] = chamber
	}
	if member.District != nil {
		data["district"] = *member.District
	}

	return []Record{{
		EntityType: models.EntityTypeMember,
		NaturalKey: bioguide,
		Data:       data,
	}}, nil
}
