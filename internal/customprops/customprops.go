// Package customprops copies the positional typed custom-property slots on a
// Spira artifact to and from the named field dictionary of a TFS work item.
package customprops

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
	"spira-tfs-sync/internal/translate"
)

// MappingSource provides the two custom-property mapping tables.
type MappingSource interface {
	DataSyncCustomPropertyMapping(projectID, artifactTypeID, customPropertyID int) (*mapping.Entry, error)
	DataSyncCustomPropertyValueMappings(projectID, artifactTypeID, customPropertyID int) ([]mapping.Entry, error)
}

// Bridge copies custom properties for one artifact type within one project.
// Definition and value mappings are fetched lazily and cached for the cycle.
type Bridge struct {
	projectID      int
	artifactTypeID int
	defs           []spira.CustomPropertyDefinition
	source         MappingSource
	users          *translate.Users
	offsetHours    int

	defMappings   map[int]*mapping.Entry
	valueMappings map[int][]mapping.Entry
}

// NewBridge builds a bridge over the given custom-property definitions.
func NewBridge(projectID, artifactTypeID int, defs []spira.CustomPropertyDefinition,
	source MappingSource, users *translate.Users, offsetHours int) *Bridge {
	return &Bridge{
		projectID:      projectID,
		artifactTypeID: artifactTypeID,
		defs:           defs,
		source:         source,
		users:          users,
		offsetHours:    offsetHours,
		defMappings:    make(map[int]*mapping.Entry),
		valueMappings:  make(map[int][]mapping.Entry),
	}
}

func (b *Bridge) definitionMapping(customPropertyID int) (*mapping.Entry, error) {
	if e, ok := b.defMappings[customPropertyID]; ok {
		return e, nil
	}
	e, err := b.source.DataSyncCustomPropertyMapping(b.projectID, b.artifactTypeID, customPropertyID)
	if err != nil {
		return nil, err
	}
	b.defMappings[customPropertyID] = e
	return e, nil
}

func (b *Bridge) valueMappingTable(customPropertyID int) ([]mapping.Entry, error) {
	if t, ok := b.valueMappings[customPropertyID]; ok {
		return t, nil
	}
	t, err := b.source.DataSyncCustomPropertyValueMappings(b.projectID, b.artifactTypeID, customPropertyID)
	if err != nil {
		return nil, err
	}
	b.valueMappings[customPropertyID] = t
	return t, nil
}

// FindValue returns the slot value for a property number, or nil.
func FindValue(props []spira.CustomPropertyValue, propertyNumber int) *spira.CustomPropertyValue {
	for i := range props {
		if props[i].PropertyNumber == propertyNumber {
			return &props[i]
		}
	}
	return nil
}

// ToWorkItem translates every mapped custom property of the artifact into
// patch operations. current may be nil (creation); when set, unchanged values
// produce no operation. Returns the extended ops and whether anything changed.
func (b *Bridge) ToWorkItem(props []spira.CustomPropertyValue, wit *tfs.WorkItemType,
	current *tfs.WorkItem, ops []tfs.PatchOperation) ([]tfs.PatchOperation, bool, error) {

	changed := false
	for _, def := range b.defs {
		value := FindValue(props, def.PropertyNumber)
		if value == nil {
			continue
		}

		defMapping, err := b.definitionMapping(def.CustomPropertyID)
		if err != nil {
			return ops, changed, err
		}
		if defMapping == nil || defMapping.ExternalKey == "" {
			log.Warn().
				Str("property", def.Name).
				Msg("Custom property has no field mapping, skipping")
			continue
		}

		destField := defMapping.ExternalKey
		switch destField {
		case mapping.KeyIncidentID, mapping.KeyTfsWorkItemID:
			// These mappings carry ids in the opposite direction only.
			continue
		case mapping.KeyArea:
			areaOps, areaChanged := b.areaToWorkItem(def, value, current, ops)
			ops, changed = areaOps, changed || areaChanged
			continue
		}

		if wit != nil && !wit.HasField(destField) {
			log.Warn().
				Str("property", def.Name).
				Str("field", destField).
				Str("workItemType", wit.Name).
				Msg("Mapped field not present on work-item type, skipping")
			continue
		}

		fieldValue, ok, err := b.fieldValueFor(def, value)
		if err != nil {
			return ops, changed, err
		}
		if !ok {
			continue
		}

		if current != nil && translate.SafeString(current.Fields.String(destField)) == translate.SafeString(render(fieldValue)) {
			continue
		}
		ops = tfs.SetField(ops, destField, fieldValue)
		changed = true
	}
	return ops, changed, nil
}

// areaToWorkItem handles the reserved "Area" destination: a single-list
// property whose value mapping carries the numeric TFS area id.
func (b *Bridge) areaToWorkItem(def spira.CustomPropertyDefinition, value *spira.CustomPropertyValue,
	current *tfs.WorkItem, ops []tfs.PatchOperation) ([]tfs.PatchOperation, bool) {

	if def.Type != spira.PropertyList {
		log.Warn().
			Str("property", def.Name).
			Str("type", def.Type.String()).
			Msg("Only single-list properties can map to Area, skipping")
		return ops, false
	}
	if value.IntegerValue == nil {
		return ops, false
	}

	table, err := b.valueMappingTable(def.CustomPropertyID)
	if err != nil {
		log.Warn().Err(err).Str("property", def.Name).Msg("Failed to load area value mappings")
		return ops, false
	}
	key, ok := translate.InternalToExternal(table, *value.IntegerValue)
	if !ok {
		log.Warn().
			Str("property", def.Name).
			Int("valueId", *value.IntegerValue).
			Msg("List value has no area mapping, skipping")
		return ops, false
	}
	areaID, err := strconv.Atoi(key)
	if err != nil {
		log.Warn().Str("externalKey", key).Msg("Area mapping key is not numeric, skipping")
		return ops, false
	}

	if current != nil {
		if existing, ok := current.Fields.Int(tfs.FieldAreaID); ok && existing == areaID {
			return ops, false
		}
	}
	return tfs.SetField(ops, tfs.FieldAreaID, areaID), true
}

// fieldValueFor converts one slot value into the TFS field representation.
func (b *Bridge) fieldValueFor(def spira.CustomPropertyDefinition, value *spira.CustomPropertyValue) (interface{}, bool, error) {
	switch def.Type {
	case spira.PropertyText:
		if value.StringValue == nil {
			return nil, false, nil
		}
		return *value.StringValue, true, nil

	case spira.PropertyInteger:
		if value.IntegerValue == nil {
			return nil, false, nil
		}
		return *value.IntegerValue, true, nil

	case spira.PropertyBoolean:
		if value.BooleanValue == nil {
			return nil, false, nil
		}
		return *value.BooleanValue, true, nil

	case spira.PropertyDecimal:
		if value.DecimalValue == nil {
			return nil, false, nil
		}
		return *value.DecimalValue, true, nil

	case spira.PropertyDate:
		if value.DateTimeValue == nil {
			return nil, false, nil
		}
		local := translate.UTCToTFS(value.DateTimeValue.UTC(), b.offsetHours)
		return local.Format(time.RFC3339), true, nil

	case spira.PropertyList:
		if value.IntegerValue == nil {
			return nil, false, nil
		}
		table, err := b.valueMappingTable(def.CustomPropertyID)
		if err != nil {
			return nil, false, err
		}
		key, ok := translate.InternalToExternal(table, *value.IntegerValue)
		if !ok {
			log.Warn().
				Str("property", def.Name).
				Int("valueId", *value.IntegerValue).
				Msg("List value unmapped, leaving destination unchanged")
			return nil, false, nil
		}
		return key, true, nil

	case spira.PropertyMultiList:
		if len(value.IntegerListValue) == 0 {
			return nil, false, nil
		}
		table, err := b.valueMappingTable(def.CustomPropertyID)
		if err != nil {
			return nil, false, err
		}
		var parts []string
		for _, id := range value.IntegerListValue {
			key, ok := translate.InternalToExternal(table, id)
			if !ok {
				log.Warn().
					Str("property", def.Name).
					Int("valueId", id).
					Msg("Multi-list value unmapped, skipping entry")
				continue
			}
			parts = append(parts, key)
		}
		if len(parts) == 0 {
			return nil, false, nil
		}
		return strings.Join(parts, ";"), true, nil

	case spira.PropertyUser:
		if value.IntegerValue == nil {
			return nil, false, nil
		}
		name, ok := b.users.DisplayName(*value.IntegerValue)
		if !ok {
			log.Warn().
				Str("property", def.Name).
				Int("userId", *value.IntegerValue).
				Msg("User value unmapped, leaving destination unchanged")
			return nil, false, nil
		}
		return name, true, nil

	default:
		log.Warn().Str("property", def.Name).Int("type", int(def.Type)).Msg("Unknown custom property type")
		return nil, false, nil
	}
}

// FromWorkItem copies mapped work-item fields back into the artifact's
// custom-property slots. Returns the updated slots and whether any differed.
func (b *Bridge) FromWorkItem(wi *tfs.WorkItem, props []spira.CustomPropertyValue) ([]spira.CustomPropertyValue, bool, error) {
	changed := false
	for _, def := range b.defs {
		defMapping, err := b.definitionMapping(def.CustomPropertyID)
		if err != nil {
			return props, changed, err
		}
		if defMapping == nil || defMapping.ExternalKey == "" {
			continue
		}

		destField := defMapping.ExternalKey
		var updated *spira.CustomPropertyValue

		switch destField {
		case mapping.KeyIncidentID:
			// Carries the artifact id outbound only.
			continue

		case mapping.KeyTfsWorkItemID:
			updated = b.workItemIDValue(def, wi.ID)

		case mapping.KeyArea:
			updated = b.areaFromWorkItem(def, wi)

		default:
			if !wi.Fields.Has(destField) {
				continue
			}
			updated, err = b.slotValueFor(def, wi, destField)
			if err != nil {
				return props, changed, err
			}
		}

		if updated == nil {
			continue
		}

		existing := FindValue(props, def.PropertyNumber)
		if existing != nil && translate.SafeString(renderSlot(existing)) == translate.SafeString(renderSlot(updated)) {
			continue
		}
		if existing != nil {
			*existing = *updated
		} else {
			props = append(props, *updated)
		}
		changed = true
	}
	return props, changed, nil
}

func (b *Bridge) workItemIDValue(def spira.CustomPropertyDefinition, workItemID int) *spira.CustomPropertyValue {
	v := &spira.CustomPropertyValue{PropertyNumber: def.PropertyNumber}
	switch def.Type {
	case spira.PropertyInteger:
		v.IntegerValue = &workItemID
	case spira.PropertyText:
		s := strconv.Itoa(workItemID)
		v.StringValue = &s
	default:
		log.Warn().
			Str("property", def.Name).
			Str("type", def.Type.String()).
			Msg("TfsWorkItemId mapping requires a text or integer property, skipping")
		return nil
	}
	return v
}

func (b *Bridge) areaFromWorkItem(def spira.CustomPropertyDefinition, wi *tfs.WorkItem) *spira.CustomPropertyValue {
	if def.Type != spira.PropertyList {
		return nil
	}
	areaID, ok := wi.Fields.Int(tfs.FieldAreaID)
	if !ok {
		return nil
	}
	table, err := b.valueMappingTable(def.CustomPropertyID)
	if err != nil {
		log.Warn().Err(err).Str("property", def.Name).Msg("Failed to load area value mappings")
		return nil
	}
	internalID, ok := translate.ExternalToInternal(table, strconv.Itoa(areaID))
	if !ok {
		log.Warn().Int("areaId", areaID).Msg("Area id has no list-value mapping, skipping")
		return nil
	}
	return &spira.CustomPropertyValue{PropertyNumber: def.PropertyNumber, IntegerValue: &internalID}
}

// slotValueFor converts a work-item field into a typed slot value.
func (b *Bridge) slotValueFor(def spira.CustomPropertyDefinition, wi *tfs.WorkItem, field string) (*spira.CustomPropertyValue, error) {
	v := &spira.CustomPropertyValue{PropertyNumber: def.PropertyNumber}

	switch def.Type {
	case spira.PropertyText:
		s := wi.Fields.String(field)
		if s == "" {
			return nil, nil
		}
		v.StringValue = &s

	case spira.PropertyInteger:
		n, ok := wi.Fields.Int(field)
		if !ok {
			return nil, nil
		}
		v.IntegerValue = &n

	case spira.PropertyBoolean:
		raw, ok := wi.Fields[field].(bool)
		if !ok {
			parsed, err := strconv.ParseBool(wi.Fields.String(field))
			if err != nil {
				return nil, nil
			}
			raw = parsed
		}
		v.BooleanValue = &raw

	case spira.PropertyDecimal:
		f, ok := wi.Fields.Float(field)
		if !ok {
			return nil, nil
		}
		v.DecimalValue = &f

	case spira.PropertyDate:
		t, ok := wi.Fields.Time(field)
		if !ok {
			return nil, nil
		}
		utc := translate.TFSToUTC(t, b.offsetHours)
		v.DateTimeValue = &utc

	case spira.PropertyList:
		s := wi.Fields.String(field)
		if s == "" {
			return nil, nil
		}
		table, err := b.valueMappingTable(def.CustomPropertyID)
		if err != nil {
			return nil, err
		}
		id, ok := translate.ExternalToInternal(table, s)
		if !ok {
			log.Warn().
				Str("property", def.Name).
				Str("value", s).
				Msg("List value unmapped, leaving property unchanged")
			return nil, nil
		}
		v.IntegerValue = &id

	case spira.PropertyMultiList:
		s := wi.Fields.String(field)
		if s == "" {
			return nil, nil
		}
		table, err := b.valueMappingTable(def.CustomPropertyID)
		if err != nil {
			return nil, err
		}
		for _, part := range strings.Split(s, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, ok := translate.ExternalToInternal(table, part)
			if !ok {
				log.Warn().
					Str("property", def.Name).
					Str("value", part).
					Msg("Multi-list value unmapped, skipping entry")
				continue
			}
			v.IntegerListValue = append(v.IntegerListValue, id)
		}
		if len(v.IntegerListValue) == 0 {
			return nil, nil
		}

	case spira.PropertyUser:
		name := wi.Fields.String(field)
		if name == "" {
			return nil, nil
		}
		id, ok := b.users.UserID(name)
		if !ok {
			return nil, nil
		}
		v.IntegerValue = &id

	default:
		return nil, nil
	}

	return v, nil
}

// render normalizes a TFS field value for change comparison.
func render(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// renderSlot normalizes a slot value for change comparison.
func renderSlot(v *spira.CustomPropertyValue) string {
	switch {
	case v.StringValue != nil:
		return *v.StringValue
	case v.IntegerValue != nil:
		return strconv.Itoa(*v.IntegerValue)
	case v.BooleanValue != nil:
		return strconv.FormatBool(*v.BooleanValue)
	case v.DecimalValue != nil:
		return strconv.FormatFloat(*v.DecimalValue, 'f', -1, 64)
	case v.DateTimeValue != nil:
		return v.DateTimeValue.UTC().Format(time.RFC3339)
	case len(v.IntegerListValue) > 0:
		parts := make([]string, len(v.IntegerListValue))
		for i, id := range v.IntegerListValue {
			parts[i] = strconv.Itoa(id)
		}
		return strings.Join(parts, ";")
	default:
		return ""
	}
}
