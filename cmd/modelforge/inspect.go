package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/ZanzyTHEbar/modelforge/pkg/mbf"
)

func inspectCmd() *cli.Command {
	var (
		bundlePath    string
		showAll       bool
		showSections  bool
		showTensors   bool
		showModelInfo bool
		showConfig    bool
		showGenConfig bool
		tensorLimit   int64
		tensorFilter  string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of an .mbf model bundle",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "bundle",
				Aliases:     []string{"b"},
				Usage:       "path to .mbf file",
				Destination: &bundlePath,
				Required:    true,
			},
			&cli.BoolFlag{Name: "all", Usage: "show all sections and raw resources", Destination: &showAll},
			&cli.BoolFlag{Name: "sections", Usage: "show section directory", Destination: &showSections},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor index", Destination: &showTensors},
			&cli.BoolFlag{Name: "modelinfo", Usage: "print raw model info", Destination: &showModelInfo},
			&cli.BoolFlag{Name: "config", Usage: "print embedded config.json", Destination: &showConfig},
			&cli.BoolFlag{Name: "generation-config", Usage: "print embedded generation_config.json", Destination: &showGenConfig},
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			if showAll {
				showSections = true
				showTensors = true
				showModelInfo = true
				showConfig = true
				showGenConfig = true
				if tensorLimit == 50 {
					tensorLimit = 0
				}
			}

			stat, err := os.Stat(bundlePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat bundle path %q: %v", bundlePath, err), 1)
			}
			if stat.IsDir() || !strings.HasSuffix(strings.ToLower(bundlePath), ".mbf") {
				return cli.Exit("error: modelforge inspect only supports .mbf files", 1)
			}

			f, err := mbf.Open(bundlePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open bundle: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("MBF Inspect: %s\n", bundlePath)
			fmt.Printf("File: %s (%s)\n", filepath.Base(bundlePath), formatBytes(uint64(stat.Size())))
			printHeader(f.Header)

			if info, err := mbf.ParseModelInfo(f.SectionData(mbf.SectionModelInfo)); err == nil {
				printModelInfo(info)
			}

			idx, idxErr := mbf.ParseTensorIndexSection(f.SectionData(mbf.SectionTensorIndex))
			printTensorSummary(idx, idxErr)

			if showSections {
				printSectionDirectory(f.Sections)
			}
			if showTensors && idx != nil {
				printTensorIndex(idx, tensorFilter, int(tensorLimit))
			}
			if showModelInfo {
				printRawSection("Model Info", f.SectionData(mbf.SectionModelInfo))
			}
			if showConfig {
				printRawSection("Config (config.json)", f.SectionData(mbf.SectionConfigJSON))
			}
			if showGenConfig {
				printRawSection("Generation Config (generation_config.json)", f.SectionData(mbf.SectionGenerationConfigJSON))
			}

			return nil
		},
	}
}

func printHeader(h *mbf.Header) {
	if h == nil {
		return
	}
	flags := []string{}
	if h.Flags&mbf.FlagTensorDataAligned64 != 0 {
		flags = append(flags, "tensor_data_aligned64")
	}
	flagStr := "none"
	if len(flags) > 0 {
		flagStr = strings.Join(flags, ", ")
	}
	fmt.Printf("MBF Header: v%d.%d sections=%d header=%dB flags=%s\n",
		h.Major, h.Minor, h.SectionCount, h.HeaderSize, flagStr)
}

func printModelInfo(info *mbf.ModelInfo) {
	section("Model")
	row("model_name", info.ModelName)
	row("model_id", info.ModelID)
	row("arch", info.Arch)
	row("precision", info.Precision)
	rowInt("vocab_size", int(info.VocabSize))
	rowInt("hidden_size", int(info.HiddenSize))
	rowInt("layer_count", int(info.LayerCount))
	rowInt("head_count", int(info.HeadCount))
	rowInt("head_count_kv", int(info.HeadCountKV))
	rowInt("context_length", int(info.ContextLength))
}

func printTensorSummary(idx *mbf.TensorIndex, parseErr error) {
	section("Tensor Summary")
	if parseErr != nil {
		fmt.Printf("(tensor index parse error: %v)\n", parseErr)
		return
	}

	count := idx.Count()
	rowInt("tensors", count)

	dtypeCounts := map[mbf.TensorDType]int{}
	dtypeBytes := map[mbf.TensorDType]uint64{}
	var total uint64
	for i := range count {
		rec, err := idx.Record(i)
		if err != nil {
			continue
		}
		dtypeCounts[rec.DType]++
		dtypeBytes[rec.DType] += rec.DataSize
		total += rec.DataSize
	}
	row("data_size", formatBytes(total))

	keys := make([]mbf.TensorDType, 0, len(dtypeCounts))
	for k := range dtypeCounts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		row(fmt.Sprintf("dtype_%s", k), fmt.Sprintf("%d (%s)", dtypeCounts[k], formatBytes(dtypeBytes[k])))
	}
}

func printTensorIndex(idx *mbf.TensorIndex, filter string, limit int) {
	section("Tensor Index")
	count := idx.Count()
	printed := 0
	for i := range count {
		rec, err := idx.Record(i)
		if err != nil {
			continue
		}
		if filter != "" && !strings.Contains(rec.Name, filter) {
			continue
		}
		fmt.Printf("%s  dtype=%s shape=%s size=%s\n",
			rec.Name, rec.DType, formatShape(rec.Shape), formatBytes(rec.DataSize))
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	if limit > 0 && printed < count {
		fmt.Printf("... (%d shown of %d)\n", printed, count)
	}
}

func printSectionDirectory(sections []mbf.Section) {
	section("Sections")
	for _, s := range sections {
		name := sectionTypeName(mbf.SectionType(s.Type))
		fmt.Printf("%-24s v%-2d off=%-10d size=%s\n", name, s.Version, s.Offset, formatBytes(s.Size))
	}
}

func printRawSection(name string, data []byte) {
	section(name)
	if len(data) == 0 {
		fmt.Println("(missing)")
		return
	}
	fmt.Println(string(data))
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-20s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func formatShape(shape []uint64) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func sectionTypeName(t mbf.SectionType) string {
	switch t {
	case mbf.SectionModelInfo:
		return "ModelInfo"
	case mbf.SectionTensorIndex:
		return "TensorIndex"
	case mbf.SectionTensorData:
		return "TensorData"
	case mbf.SectionConfigJSON:
		return "ConfigJSON"
	case mbf.SectionGenerationConfigJSON:
		return "GenerationConfigJSON"
	default:
		return fmt.Sprintf("Section0x%04x", uint32(t))
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
