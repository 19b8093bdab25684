package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/pixelclass/pixelclass/vision/dataset"
)

func main() {
	manifest := flag.String("manifest", "./tgs/0.csv", "Manifest CSV to dump")
	pathColumn := flag.String("path-column", dataset.DefaultPathColumn, "Manifest column holding image paths")
	labelColumn := flag.String("label-column", dataset.DefaultLabelColumn, "Manifest column holding integer labels")
	flag.Parse()

	records, err := dataset.ReadManifest(*manifest)
	if err != nil {
		log.Fatalf("read manifest: %v", err)
	}
	for i, record := range records {
		keys := make([]string, 0, len(record))
		for k := range record {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Printf("%d:", i+1)
		for _, k := range keys {
			fmt.Printf(" %s=%q", k, record[k])
		}
		fmt.Println()
	}

	rows, err := dataset.RowsFromRecords(records, *pathColumn, *labelColumn, "")
	if err != nil {
		log.Fatalf("bind columns: %v", err)
	}
	ds := dataset.NewManifestDataset(rows)
	dist := ds.ClassDistribution()
	fmt.Printf("%d rows, %d classes\n", ds.Len(), ds.NumClasses())
	for _, label := range ds.Labels() {
		fmt.Printf("  class %d: %d\n", label, dist[label])
	}
}
