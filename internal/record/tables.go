package record

// TableInfo describes one syncable entity collection.
type TableInfo struct {
	// Name is the collection name used in store keys and API paths.
	Name string
	// Label is the human-readable name shown in pending-work summaries.
	Label string
}

// Syncable entity collections, in the order they appear in summaries.
//
// These mirror the server's resource routes: a mutation queued for table
// "inspections" is submitted to /hives/{hive_id}/inspections and so on.
var tables = []TableInfo{
	{Name: "tasks", Label: "Tasks"},
	{Name: "inspections", Label: "Inspections"},
	{Name: "detections", Label: "Detections"},
	{Name: "feedings", Label: "Feedings"},
	{Name: "treatments", Label: "Treatments"},
	{Name: "harvests", Label: "Harvests"},
}

// Tables returns all syncable collections.
func Tables() []TableInfo {
	out := make([]TableInfo, len(tables))
	copy(out, tables)
	return out
}

// TableNames returns the collection names in summary order.
func TableNames() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

// KnownTable reports whether name is a syncable collection.
func KnownTable(name string) bool {
	for _, t := range tables {
		if t.Name == name {
			return true
		}
	}
	return false
}

// TableLabel returns the human label for a collection, falling back to the
// raw name for collections added server-side that this build doesn't know.
func TableLabel(name string) string {
	for _, t := range tables {
		if t.Name == name {
			return t.Label
		}
	}
	return name
}
