package internal

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"
)

const maxInspectRows = 500

type InspectRow struct {
	Key    string
	Kind   string
	Detail string
}

type RowMapper func(key string, val []byte) InspectRow
type StatsProvider func() map[string]any

// Inspector serves a plain text view of the hub: live stats, then the store keys under ?prefix=.
// db may be nil when the hub does not run on badger.
type Inspector struct {
	db     *badger.DB
	mapper RowMapper
	stats  StatsProvider
}

func NewInspector(db *badger.DB, mapper RowMapper, stats StatsProvider) *Inspector {
	if mapper == nil {
		mapper = DefaultMapper
	}
	return &Inspector{db: db, mapper: mapper, stats: stats}
}

func (i *Inspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := i.Render(w, r.URL.Query().Get("prefix")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Render writes the stats table then, when a store is attached, the keys under prefix.
func (i *Inspector) Render(w io.Writer, prefix string) error {
	if i.stats != nil {
		writeStats(w, i.stats())
	}
	if i.db == nil {
		return nil
	}
	if prefix == "" {
		prefix = "member:"
	}
	rows, err := i.scan(prefix)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nprefix %q, %d keys\n", prefix, len(rows))
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Key", "Kind", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, row := range rows {
		table.Append([]string{row.Key, row.Kind, row.Detail})
	}
	table.Render()
	return nil
}

func (i *Inspector) scan(prefix string) ([]InspectRow, error) {
	var rows []InspectRow
	err := i.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)) && len(rows) < maxInspectRows; it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				rows = append(rows, i.mapper(string(item.Key()), val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return rows, err
}

func writeStats(w io.Writer, stats map[string]any) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Stat", "Value"})
	for _, k := range keys {
		table.Append([]string{k, fmt.Sprint(stats[k])})
	}
	table.Render()
}

// DefaultMapper names the key family and shows the value size.
func DefaultMapper(key string, val []byte) InspectRow {
	kind, _, _ := strings.Cut(key, ":")
	return InspectRow{
		Key:    key,
		Kind:   strings.ToUpper(kind),
		Detail: "Size: " + strconv.Itoa(len(val)) + " bytes",
	}
}
