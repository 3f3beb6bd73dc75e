/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dbsession

import "github.com/altairalabs/mailroute/internal/routing"

// Record is an entity that can be staged through a MultiShardSession.
type Record interface {
	TableName() string
	// Values returns the column values to insert.
	Values() Row
	// PrimaryKey returns the key columns identifying the stored row.
	PrimaryKey() Row
}

// ShardKeyed is implemented by records of sharded tables.
type ShardKeyed interface {
	ShardKeyOf() routing.ShardKey
}

// shardKeyColumns are consulted in order by RowRecord.
var shardKeyColumns = []string{"campaign_id", "user_id"}

// RowRecord is a generic Record over a Row. Its shard key is the first
// non-nil value among campaign_id and user_id.
type RowRecord struct {
	Table string
	Row   Row
	// KeyColumns names the primary key columns; defaults to "id".
	KeyColumns []string
}

var (
	_ Record     = RowRecord{}
	_ ShardKeyed = RowRecord{}
)

// TableName returns the record's table.
func (r RowRecord) TableName() string { return r.Table }

// Values returns the row.
func (r RowRecord) Values() Row { return r.Row }

// PrimaryKey returns the key columns of the row.
func (r RowRecord) PrimaryKey() Row {
	cols := r.KeyColumns
	if len(cols) == 0 {
		cols = []string{"id"}
	}
	pk := make(Row, len(cols))
	for _, c := range cols {
		if v, ok := r.Row[c]; ok {
			pk[c] = v
		}
	}
	return pk
}

// ShardKeyOf returns the record's shard key or the empty key.
func (r RowRecord) ShardKeyOf() routing.ShardKey {
	for _, c := range shardKeyColumns {
		if v, ok := r.Row[c]; ok && v != nil {
			return routing.KeyOf(v)
		}
	}
	return ""
}
