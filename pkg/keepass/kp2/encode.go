// Copyright 2016 Ross Light
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kp2

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"time"

	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/progress"
)

const xmlHeader = `<?xml version="1.0" encoding="utf-8" standalone="yes"?>` + "\n"

// encoder converts a database tree to its XML document.
type encoder struct {
	format keepass.Format
	pool   *poolBuilder
	meter  *progress.Meter

	// needs41 is set when a value only KDBX 4.1 can store is written.
	needs41 bool
}

func (enc *encoder) time(t time.Time) string {
	return formatTime(t, enc.format)
}

// optTime formats a KDBX 4.1 timestamp, or returns "" if it cannot be
// stored.
func (enc *encoder) optTime(t time.Time) string {
	if t.IsZero() || enc.format != keepass.FormatKDBX4 {
		return ""
	}
	enc.needs41 = true
	return enc.time(t)
}

func buildDocument(ctx context.Context, p *progress.Progress, db *keepass.Database, pool *poolBuilder) (*xmlDocument, bool, error) {
	p.SetTotal(int64(db.Count(true, false)) + 1)
	enc := &encoder{
		format: db.Format(),
		pool:   pool,
		meter:  progress.NewMeter(ctx, p, groupBatch),
	}
	doc := &xmlDocument{Meta: enc.meta(&db.KP2.Meta)}
	g, err := enc.group(db.Root())
	if err != nil {
		return nil, false, err
	}
	enc.meter.Flush()
	doc.Root.Group = *g
	for _, obj := range db.KP2.DeletedObjects {
		doc.Root.DeletedObjects = append(doc.Root.DeletedObjects, xmlDeletedObject{
			UUID:         xmlUUID(obj.UUID),
			DeletionTime: enc.time(obj.DeletionTime),
		})
	}
	if enc.format == keepass.FormatKDBX3 {
		for i, item := range pool.items {
			doc.Meta.Binaries = append(doc.Meta.Binaries, xmlBinary{
				ID:         strconv.Itoa(i),
				Compressed: xmlBool(item.compressed),
				Protected:  xmlBool(item.protected),
				Content:    base64.StdEncoding.EncodeToString(item.data),
			})
		}
	}
	return doc, enc.needs41, nil
}

func marshalDocument(doc *xmlDocument) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(xmlHeader)
	e := xml.NewEncoder(buf)
	e.Indent("", "\t")
	if err := e.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (enc *encoder) meta(m *keepass.Meta) xmlMeta {
	xm := xmlMeta{
		Generator:                  keepass.DefaultGenerator,
		DatabaseName:               m.DatabaseName,
		DatabaseNameChanged:        enc.time(m.DatabaseNameChanged),
		DatabaseDescription:        m.DatabaseDescription,
		DatabaseDescriptionChanged: enc.time(m.DatabaseDescriptionChanged),
		DefaultUserName:            m.DefaultUserName,
		DefaultUserNameChanged:     enc.time(m.DefaultUserNameChanged),
		MaintenanceHistoryDays:     m.MaintenanceHistoryDays,
		Color:                      m.Color,
		MasterKeyChanged:           enc.time(m.MasterKeyChanged),
		MasterKeyChangeRec:         m.MasterKeyChangeRec,
		MasterKeyChangeForce:       m.MasterKeyChangeForce,
		MemoryProtection: xmlMemoryProtection{
			ProtectTitle:    xmlBool(m.MemoryProtection.Title),
			ProtectUserName: xmlBool(m.MemoryProtection.UserName),
			ProtectPassword: xmlBool(m.MemoryProtection.Password),
			ProtectURL:      xmlBool(m.MemoryProtection.URL),
			ProtectNotes:    xmlBool(m.MemoryProtection.Notes),
		},
		RecycleBinEnabled:          xmlBool(m.RecycleBinEnabled),
		RecycleBinUUID:             xmlUUID(m.RecycleBinUUID),
		RecycleBinChanged:          enc.time(m.RecycleBinChanged),
		EntryTemplatesGroup:        xmlUUID(m.EntryTemplatesGroup),
		EntryTemplatesGroupChanged: enc.time(m.EntryTemplatesGroupChanged),
		HistoryMaxItems:            m.HistoryMaxItems,
		HistoryMaxSize:             m.HistoryMaxSize,
		LastSelectedGroup:          xmlUUID(m.LastSelectedGroup),
		LastTopVisibleGroup:        xmlUUID(m.LastTopVisibleGroup),
		CustomData:                 enc.customData(m.CustomData),
	}
	if enc.format == keepass.FormatKDBX4 {
		xm.SettingsChanged = enc.time(m.SettingsChanged)
	}
	for _, icon := range m.CustomIcons {
		xi := xmlIcon{
			UUID:                 xmlUUID(icon.UUID),
			Data:                 base64.StdEncoding.EncodeToString(icon.Data),
			LastModificationTime: enc.optTime(icon.LastModified),
		}
		if icon.Name != "" && enc.format == keepass.FormatKDBX4 {
			xi.Name = icon.Name
			enc.needs41 = true
		}
		xm.CustomIcons = append(xm.CustomIcons, xi)
	}
	return xm
}

func (enc *encoder) customData(items []keepass.CustomItem) []xmlCustomItem {
	var out []xmlCustomItem
	for _, item := range items {
		out = append(out, xmlCustomItem{
			Key:                  item.Key,
			Value:                item.Value,
			LastModificationTime: enc.optTime(item.LastModified),
		})
	}
	return out
}

func (enc *encoder) times(t *keepass.Times) xmlTimes {
	return xmlTimes{
		CreationTime:         enc.time(t.Creation),
		LastModificationTime: enc.time(t.LastModification),
		LastAccessTime:       enc.time(t.LastAccess),
		ExpiryTime:           enc.time(t.Expiry),
		Expires:              xmlBool(t.Expires),
		UsageCount:           t.UsageCount,
		LocationChanged:      enc.time(t.LocationChanged),
	}
}

func (enc *encoder) group(g *keepass.Group) (*xmlGroup, error) {
	g2 := g.KP2
	if g2 == nil {
		g2 = new(keepass.Group2)
	}
	xg := &xmlGroup{
		UUID:                    xmlUUID(g.UUID),
		Name:                    g.Name,
		Notes:                   g.Notes,
		IconID:                  uint32(g.Icon),
		CustomIconUUID:          optUUID(g2.CustomIcon),
		Times:                   enc.times(&g.Times),
		IsExpanded:              xmlBool(g2.IsExpanded),
		DefaultAutoTypeSequence: g2.DefaultAutoTypeSequence,
		EnableAutoType:          nullBool(g2.EnableAutoType),
		EnableSearching:         nullBool(g2.EnableSearching),
		LastTopVisibleEntry:     xmlUUID(g2.LastTopVisibleEntry),
	}
	if enc.format == keepass.FormatKDBX4 {
		xg.CustomData = enc.customData(g2.CustomData)
	}
	for _, e := range g.Entries() {
		xe, err := enc.entry(e, false)
		if err != nil {
			return nil, err
		}
		xg.Entries = append(xg.Entries, *xe)
	}
	if err := enc.meter.Step(1); err != nil {
		return nil, err
	}
	for _, sub := range g.Groups() {
		xs, err := enc.group(sub)
		if err != nil {
			return nil, err
		}
		xg.Groups = append(xg.Groups, *xs)
	}
	return xg, nil
}

func (enc *encoder) entry(e *keepass.Entry, inHistory bool) (*xmlEntry, error) {
	e2 := e.KP2
	if e2 == nil {
		e2 = &keepass.Entry2{AutoType: keepass.AutoType{Enabled: true}}
	}
	xe := &xmlEntry{
		UUID:            xmlUUID(e.UUID),
		IconID:          uint32(e.Icon),
		CustomIconUUID:  optUUID(e2.CustomIcon),
		ForegroundColor: e2.ForegroundColor,
		BackgroundColor: e2.BackgroundColor,
		OverrideURL:     e2.OverrideURL,
		Tags:            e2.Tags,
		Times:           enc.times(&e.Times),
		AutoType: xmlAutoType{
			Enabled:                 xmlBool(e2.AutoType.Enabled),
			DataTransferObfuscation: e2.AutoType.Obfuscation,
			DefaultSequence:         e2.AutoType.DefaultSequence,
		},
	}
	for _, f := range e.Fields {
		v := xmlValue{Content: f.Value}
		if f.Protected {
			v.Content = base64.StdEncoding.EncodeToString([]byte(f.Value))
			v.Protected = true
		}
		xe.Strings = append(xe.Strings, xmlString{Key: f.Name, Value: v})
	}
	for _, a := range e.Attachments {
		i, err := enc.pool.add(a)
		if err != nil {
			return nil, err
		}
		xe.Binaries = append(xe.Binaries, xmlBinaryRef{
			Key:   a.Name,
			Value: xmlRefValue{Ref: strconv.Itoa(i)},
		})
	}
	for _, assoc := range e2.AutoType.Associations {
		xe.AutoType.Associations = append(xe.AutoType.Associations, xmlAssociation{
			Window:            assoc.Window,
			KeystrokeSequence: assoc.Sequence,
		})
	}
	if enc.format == keepass.FormatKDBX4 {
		xe.CustomData = enc.customData(e2.CustomData)
	}
	if !inHistory {
		for _, h := range e2.History {
			xh, err := enc.entry(h, true)
			if err != nil {
				return nil, err
			}
			xe.History = append(xe.History, *xh)
		}
	}
	return xe, nil
}
