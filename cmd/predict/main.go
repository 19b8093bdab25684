package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/pixelclass/pixelclass/pipeline"
)

func main() {
	modelDir := flag.String("model-dir", "./models", "Directory holding model.json and weights.bin")
	imageSize := flag.Int("image-size", 0, "Model input size (0 reads it from the model)")
	verbose := flag.Bool("v", false, "Print class probabilities")
	flag.Parse()

	if flag.NArg() == 0 {
		log.Fatalf("usage: predict [flags] image...")
	}

	for _, path := range flag.Args() {
		p, err := pipeline.Predict(*modelDir, path, *imageSize)
		if err != nil {
			log.Fatalf("predict %s: %v", path, err)
		}
		if *verbose {
			fmt.Printf("%s\t%d\t%.4f\t%v\n", path, p.Class, p.Confidence, p.Probabilities)
		} else {
			fmt.Printf("%s\t%d\n", path, p.Class)
		}
	}
}
