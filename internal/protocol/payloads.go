package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var errMissingField = errors.New("missing required field")

// NotePayload is the schema for the notes table.
type NotePayload struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	EnrolleeID string `json:"enrolleeId,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

// InteractionPayload is the schema for the interactions table.
type InteractionPayload struct {
	ID         string `json:"id"`
	EnrolleeID string `json:"enrolleeId"`
	Notes      string `json:"notes,omitempty"`
	Pos        string `json:"pos,omitempty"`
	IsCrisis   bool   `json:"isCrisis"`
	StartUTC   string `json:"startUtc"`
	EndUTC     string `json:"endUtc"`
}

// IntakePayload is the schema for the intakes table.
type IntakePayload struct {
	ID            string `json:"id"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	ProgramID     string `json:"programId"`
	StartDate     string `json:"startDate,omitempty"`
	ConsentSigned bool   `json:"consentSigned"`
}

type entityReference struct {
	ID *string `json:"id"`
}

type payloadSchema interface {
	entityID() string
	validate() error
}

func (p *NotePayload) entityID() string { return p.ID }

func (p *NotePayload) validate() error {
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: body", errMissingField)
	}
	if err := validateOptionalTimestamp("createdAt", p.CreatedAt); err != nil {
		return err
	}
	return validateOptionalTimestamp("updatedAt", p.UpdatedAt)
}

func (p *InteractionPayload) entityID() string { return p.ID }

func (p *InteractionPayload) validate() error {
	if strings.TrimSpace(p.EnrolleeID) == "" {
		return fmt.Errorf("%w: enrolleeId", errMissingField)
	}
	start, err := time.Parse(time.RFC3339, p.StartUTC)
	if err != nil {
		return fmt.Errorf("startUtc: %w", err)
	}
	end, err := time.Parse(time.RFC3339, p.EndUTC)
	if err != nil {
		return fmt.Errorf("endUtc: %w", err)
	}
	if end.Before(start) {
		return errors.New("endUtc precedes startUtc")
	}
	return nil
}

func (p *IntakePayload) entityID() string { return p.ID }

func (p *IntakePayload) validate() error {
	if strings.TrimSpace(p.FirstName) == "" {
		return fmt.Errorf("%w: firstName", errMissingField)
	}
	if strings.TrimSpace(p.LastName) == "" {
		return fmt.Errorf("%w: lastName", errMissingField)
	}
	if strings.TrimSpace(p.ProgramID) == "" {
		return fmt.Errorf("%w: programId", errMissingField)
	}
	if p.StartDate != "" {
		if _, err := time.Parse(dateLayout, p.StartDate); err != nil {
			return fmt.Errorf("startDate: %w", err)
		}
	}
	return nil
}

func schemaFor(table Table) (payloadSchema, error) {
	switch table {
	case TableNotes:
		return &NotePayload{}, nil
	case TableInteractions:
		return &InteractionPayload{}, nil
	case TableIntakes:
		return &IntakePayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
}

// decodeEntityID extracts only the entity id, which is all a delete needs.
func decodeEntityID(payload json.RawMessage) (string, error) {
	var reference entityReference
	if err := json.Unmarshal(payload, &reference); err != nil {
		return "", err
	}
	if reference.ID == nil {
		return "", fmt.Errorf("%w: id", errMissingField)
	}
	return ValidateIdentifier(*reference.ID)
}

// decodeUpsertPayload strictly decodes the table schema and returns the entity id with
// the canonical data document (payload without id).
func decodeUpsertPayload(table Table, payload json.RawMessage) (string, json.RawMessage, error) {
	schema, err := schemaFor(table)
	if err != nil {
		return "", nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(schema); err != nil {
		return "", nil, err
	}
	if decoder.More() {
		return "", nil, errors.New("trailing data after payload")
	}
	entityID, err := ValidateIdentifier(schema.entityID())
	if err != nil {
		return "", nil, err
	}
	if err := schema.validate(); err != nil {
		return "", nil, err
	}
	data, err := canonicalData(schema)
	if err != nil {
		return "", nil, err
	}
	return entityID, data, nil
}

func canonicalData(schema payloadSchema) (json.RawMessage, error) {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	delete(fields, "id")
	// encoding/json sorts map keys, which keeps the document stable for equality checks.
	return json.Marshal(fields)
}

func validateOptionalTimestamp(field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, value); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}
