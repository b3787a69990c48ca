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
	"strings"
	"time"

	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/uuids"
)

// decoder builds a database tree from a parsed XML document.
// Conversion errors are sticky: after the first one, the remaining
// values decode to zero and err is reported at the end.
type decoder struct {
	db     *keepass.Database
	format keepass.Format
	pool   []poolItem
	used   []bool
	w      *keepass.Warnings
	meter  *progress.Meter
	err    error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) time(s, where string) time.Time {
	t, err := parseTime(s)
	if err != nil {
		d.fail(&FormatError{Kind: ParsingError, Detail: where, Err: err})
	}
	return t
}

func (d *decoder) base64(s, where string) []byte {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		d.fail(&FormatError{Kind: ParsingError, Detail: where, Err: err})
	}
	return b
}

// parseDocument decodes the revealed XML into db.
func parseDocument(ctx context.Context, p *progress.Progress, db *keepass.Database, doc []byte, pool []poolItem, w *keepass.Warnings) error {
	var xd xmlDocument
	if err := xml.NewDecoder(bytes.NewReader(doc)).Decode(&xd); err != nil {
		return &FormatError{Kind: ParsingError, Err: err}
	}
	p.SetTotal(int64(countGroups(&xd.Root.Group)))
	d := &decoder{
		db:     db,
		format: db.Format(),
		pool:   pool,
		w:      w,
		meter:  progress.NewMeter(ctx, p, groupBatch),
	}
	d.meta(&xd.Meta)
	if d.err != nil {
		return d.err
	}
	if err := d.group(nil, &xd.Root.Group); err != nil {
		return err
	}
	if d.err != nil {
		return d.err
	}
	d.meter.Flush()
	for _, obj := range xd.Root.DeletedObjects {
		db.KP2.DeletedObjects = append(db.KP2.DeletedObjects, keepass.DeletedObject{
			UUID:         uuids.UUID(obj.UUID),
			DeletionTime: d.time(obj.DeletionTime, "DeletionTime"),
		})
	}
	if d.err != nil {
		return d.err
	}

	m := &db.KP2.Meta
	if m.RecycleBinEnabled && !m.RecycleBinUUID.IsZero() {
		if bin := db.FindGroup(m.RecycleBinUUID); bin != nil && !bin.IsRoot() {
			markDeleted(bin)
		}
	}
	unused := 0
	for i := range d.pool {
		if i >= len(d.used) || !d.used[i] {
			unused++
		}
	}
	if unused > 0 {
		w.Add("%d unused attachment(s) in the binary pool", unused)
	}
	w.Generator = m.Generator
	return nil
}

// groupBatch is the number of groups decoded between cancellation checks.
const groupBatch = 16

func countGroups(g *xmlGroup) int {
	n := 1
	for i := range g.Groups {
		n += countGroups(&g.Groups[i])
	}
	return n
}

func markDeleted(g *keepass.Group) {
	g.Deleted = true
	groups, entries := g.CollectAllChildren()
	for _, sub := range groups {
		sub.Deleted = true
	}
	for _, e := range entries {
		e.Deleted = true
	}
}

func (d *decoder) meta(xm *xmlMeta) {
	m := &d.db.KP2.Meta
	m.Generator = xm.Generator
	if xm.HeaderHash != "" {
		m.HeaderHash = d.base64(xm.HeaderHash, "HeaderHash")
	}
	m.SettingsChanged = d.time(xm.SettingsChanged, "SettingsChanged")
	m.DatabaseName = xm.DatabaseName
	m.DatabaseNameChanged = d.time(xm.DatabaseNameChanged, "DatabaseNameChanged")
	m.DatabaseDescription = xm.DatabaseDescription
	m.DatabaseDescriptionChanged = d.time(xm.DatabaseDescriptionChanged, "DatabaseDescriptionChanged")
	m.DefaultUserName = xm.DefaultUserName
	m.DefaultUserNameChanged = d.time(xm.DefaultUserNameChanged, "DefaultUserNameChanged")
	m.MaintenanceHistoryDays = xm.MaintenanceHistoryDays
	m.Color = xm.Color
	m.MasterKeyChanged = d.time(xm.MasterKeyChanged, "MasterKeyChanged")
	m.MasterKeyChangeRec = xm.MasterKeyChangeRec
	m.MasterKeyChangeForce = xm.MasterKeyChangeForce
	m.MemoryProtection = keepass.MemoryProtection{
		Title:    bool(xm.MemoryProtection.ProtectTitle),
		UserName: bool(xm.MemoryProtection.ProtectUserName),
		Password: bool(xm.MemoryProtection.ProtectPassword),
		URL:      bool(xm.MemoryProtection.ProtectURL),
		Notes:    bool(xm.MemoryProtection.ProtectNotes),
	}
	m.CustomIcons = nil
	for _, icon := range xm.CustomIcons {
		m.CustomIcons = append(m.CustomIcons, keepass.CustomIcon{
			UUID:         uuids.UUID(icon.UUID),
			Data:         d.base64(icon.Data, "CustomIcons"),
			Name:         icon.Name,
			LastModified: d.time(icon.LastModificationTime, "CustomIcons"),
		})
	}
	m.RecycleBinEnabled = bool(xm.RecycleBinEnabled)
	m.RecycleBinUUID = uuids.UUID(xm.RecycleBinUUID)
	m.RecycleBinChanged = d.time(xm.RecycleBinChanged, "RecycleBinChanged")
	m.EntryTemplatesGroup = uuids.UUID(xm.EntryTemplatesGroup)
	m.EntryTemplatesGroupChanged = d.time(xm.EntryTemplatesGroupChanged, "EntryTemplatesGroupChanged")
	m.HistoryMaxItems = xm.HistoryMaxItems
	m.HistoryMaxSize = xm.HistoryMaxSize
	m.LastSelectedGroup = uuids.UUID(xm.LastSelectedGroup)
	m.LastTopVisibleGroup = uuids.UUID(xm.LastTopVisibleGroup)
	m.CustomData = d.customData(xm.CustomData)

	// KDBX 3.1 keeps the pool in Meta.
	for _, bin := range xm.Binaries {
		id, err := strconv.Atoi(bin.ID)
		if err != nil || id != len(d.pool) {
			d.fail(&FormatError{Kind: AttachmentError, Detail: "binary ID " + bin.ID})
			return
		}
		d.pool = append(d.pool, poolItem{
			data:       d.base64(bin.Content, "Binaries"),
			compressed: bool(bin.Compressed),
			protected:  bool(bin.Protected),
		})
	}
	d.used = make([]bool, len(d.pool))
}

func (d *decoder) customData(items []xmlCustomItem) []keepass.CustomItem {
	var out []keepass.CustomItem
	for _, item := range items {
		out = append(out, keepass.CustomItem{
			Key:          item.Key,
			Value:        item.Value,
			LastModified: d.time(item.LastModificationTime, "CustomData"),
		})
	}
	return out
}

func (d *decoder) times(xt *xmlTimes) keepass.Times {
	return keepass.Times{
		Creation:         d.time(xt.CreationTime, "CreationTime"),
		LastModification: d.time(xt.LastModificationTime, "LastModificationTime"),
		LastAccess:       d.time(xt.LastAccessTime, "LastAccessTime"),
		Expiry:           d.time(xt.ExpiryTime, "ExpiryTime"),
		Expires:          bool(xt.Expires),
		UsageCount:       xt.UsageCount,
		LocationChanged:  d.time(xt.LocationChanged, "LocationChanged"),
	}
}

// group adds xg and its subtree under parent, or as the root if parent
// is nil.
func (d *decoder) group(parent *keepass.Group, xg *xmlGroup) error {
	g := &keepass.Group{
		UUID:  uuids.UUID(xg.UUID),
		Icon:  keepass.Icon(xg.IconID),
		Name:  xg.Name,
		Notes: xg.Notes,
		Times: d.times(&xg.Times),
		KP2: &keepass.Group2{
			IsExpanded:              bool(xg.IsExpanded),
			CustomIcon:              fromOptUUID(xg.CustomIconUUID),
			DefaultAutoTypeSequence: xg.DefaultAutoTypeSequence,
			EnableAutoType:          parseNullBool(xg.EnableAutoType),
			EnableSearching:         parseNullBool(xg.EnableSearching),
			LastTopVisibleEntry:     uuids.UUID(xg.LastTopVisibleEntry),
			CustomData:              d.customData(xg.CustomData),
		},
	}
	var err error
	if parent == nil {
		err = d.db.SetRoot(g)
	} else {
		err = d.db.AddGroup(parent, g)
	}
	if err != nil {
		return err
	}
	for i := range xg.Entries {
		e := d.entry(&xg.Entries[i])
		if d.err != nil {
			return d.err
		}
		if err := d.db.AddEntry(g, e); err != nil {
			return err
		}
	}
	if err := d.meter.Step(1); err != nil {
		return err
	}
	for i := range xg.Groups {
		if err := d.group(g, &xg.Groups[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) entry(xe *xmlEntry) *keepass.Entry {
	e := keepass.NewDetachedEntry(d.format)
	e.UUID = uuids.UUID(xe.UUID)
	e.Icon = keepass.Icon(xe.IconID)
	e.Times = d.times(&xe.Times)
	for _, s := range xe.Strings {
		value := s.Value.Content
		if s.Value.Protected {
			value = string(d.base64(value, "protected value"))
		}
		protected := bool(s.Value.Protected || s.Value.ProtectInMemory)
		if err := e.SetProtectedField(s.Key, value, protected); err != nil {
			d.fail(&FormatError{Kind: ParsingError, Detail: "field " + s.Key, Err: err})
		}
	}
	for _, ref := range xe.Binaries {
		if a := d.attachment(&ref); a != nil {
			e.AddAttachment(a)
		}
	}
	at := xe.AutoType
	e.KP2 = &keepass.Entry2{
		CustomIcon:      fromOptUUID(xe.CustomIconUUID),
		ForegroundColor: xe.ForegroundColor,
		BackgroundColor: xe.BackgroundColor,
		OverrideURL:     xe.OverrideURL,
		Tags:            xe.Tags,
		AutoType: keepass.AutoType{
			Enabled:         bool(at.Enabled),
			Obfuscation:     at.DataTransferObfuscation,
			DefaultSequence: at.DefaultSequence,
		},
		CustomData: d.customData(xe.CustomData),
	}
	for _, assoc := range at.Associations {
		e.KP2.AutoType.Associations = append(e.KP2.AutoType.Associations, keepass.AutoTypeAssociation{
			Window:   assoc.Window,
			Sequence: assoc.KeystrokeSequence,
		})
	}
	for i := range xe.History {
		e.KP2.History = append(e.KP2.History, d.entry(&xe.History[i]))
	}
	return e
}

func (d *decoder) attachment(ref *xmlBinaryRef) *keepass.Attachment {
	if ref.Value.Ref == "" {
		// Inline data.
		return poolItem{
			data:      d.base64(ref.Value.Content, "binary "+ref.Key),
			protected: bool(ref.Value.Protected),
		}.attachment(ref.Key)
	}
	i, err := strconv.Atoi(ref.Value.Ref)
	if err != nil || i < 0 || i >= len(d.pool) {
		d.fail(&FormatError{Kind: AttachmentError, Detail: "reference " + ref.Value.Ref})
		return nil
	}
	d.used[i] = true
	return d.pool[i].attachment(ref.Key)
}
