// pemit - build a Windows executable from a raw machine-code file
//
// Usage:
//
//	pemit -c code.bin -o hello.exe
//	pemit -c code.bin -d data.bin -a 386 -s gui -o hello.exe
//	pemit -c code.bin -i "msvcrt.dll:printf,exit" -o hello.exe
//
// Environment variables PEMIT_ARCH, PEMIT_SUBSYSTEM and PEMIT_VERBOSE
// provide defaults for the corresponding flags.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xyproto/env/v2"
	"github.com/xyproto/pemit"
)

const versionString = "pemit 1.0.0"

func main() {
	parser := argparse.NewParser("pemit", versionString+" - emit Windows PE executables from raw machine code")

	codePath := parser.String("c", "code", &argparse.Options{Required: true, Help: "file with raw machine code for the .text section"})
	dataPath := parser.String("d", "data", &argparse.Options{Help: "optional file with raw bytes for the .data section"})
	outPath := parser.String("o", "output", &argparse.Options{Default: "a.exe", Help: "output executable path"})
	arch := parser.String("a", "arch", &argparse.Options{Default: env.Str("PEMIT_ARCH", "amd64"), Help: "target architecture (386 or amd64)"})
	subsystem := parser.String("s", "subsystem", &argparse.Options{Default: env.Str("PEMIT_SUBSYSTEM", "console"), Help: "subsystem (console or gui)"})
	entry := parser.Int("e", "entry", &argparse.Options{Default: 0, Help: "entry point offset into the code file"})
	imports := parser.String("i", "imports", &argparse.Options{Help: "imports as dll:func,func[;dll:func,...]"})
	verbose := parser.Flag("V", "verbose", &argparse.Options{Help: "log build stages"})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose || env.Bool("PEMIT_VERBOSE") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
		Timestamp().
		Str("build_id", uuid.New().String()).
		Logger()

	if err := run(*codePath, *dataPath, *outPath, *arch, *subsystem, uint32(*entry), *imports, log); err != nil {
		log.Error().Err(err).Msg("build failed")
		os.Exit(1)
	}
}

func run(codePath, dataPath, outPath, arch, subsystem string, entry uint32, imports string, log zerolog.Logger) error {
	var config pemit.BuildConfig
	switch arch {
	case "386", "x86", "i386":
		config = pemit.DefaultConfig32()
	case "amd64", "x86_64", "x86-64":
		config = pemit.DefaultConfig64()
	default:
		return fmt.Errorf("unsupported architecture: %s (supported: 386, amd64)", arch)
	}

	switch subsystem {
	case "console", "cui":
		config.Subsystem = pemit.SubsystemConsole
	case "gui":
		config.Subsystem = pemit.SubsystemGUI
	default:
		return fmt.Errorf("unsupported subsystem: %s (supported: console, gui)", subsystem)
	}
	config.Logger = log

	code, err := os.ReadFile(codePath)
	if err != nil {
		return fmt.Errorf("failed to read code file: %w", err)
	}

	sections := []pemit.SectionSpec{
		{Name: ".text", Kind: pemit.SectionCode, Data: code},
	}

	if dataPath != "" {
		data, err := os.ReadFile(dataPath)
		if err != nil {
			return fmt.Errorf("failed to read data file: %w", err)
		}
		sections = append(sections, pemit.SectionSpec{Name: ".data", Kind: pemit.SectionData, Data: data})
	}

	if imports != "" {
		libraries, err := parseImports(imports)
		if err != nil {
			return err
		}
		// The imports section goes last, so its RVA follows from the sizes
		// of the sections before it.
		idataRVA := config.SectionAlignment
		for _, s := range sections {
			idataRVA += sectionPages(len(s.Data), config.SectionAlignment)
		}
		idata, iatMap, err := pemit.BuildImportData(libraries, idataRVA, config.Machine == pemit.MachineAMD64)
		if err != nil {
			return fmt.Errorf("failed to build import table: %w", err)
		}
		log.Debug().Int("functions", len(iatMap)).Uint32("rva", idataRVA).Msg("import table built")
		sections = append(sections, pemit.SectionSpec{Name: ".idata", Kind: pemit.SectionImports, Data: idata})
	}

	image, err := pemit.Emit(pemit.CodeBlob(code), entry, sections, config)
	if err != nil {
		return err
	}

	// The capability check runs before anything touches the output path. A
	// denial is surfaced as-is, never bypassed.
	if err := pemit.RequireWrite(pemit.PathWriteChecker{Path: outPath}); err != nil {
		if errors.Is(err, pemit.ErrPermissionDenied) {
			return fmt.Errorf("writing %s: %w", outPath, err)
		}
		return err
	}

	if err := os.WriteFile(outPath, image, 0755); err != nil {
		return fmt.Errorf("failed to write PE file: %w", err)
	}
	log.Info().Str("path", outPath).Int("size", len(image)).Msg("executable written")
	return nil
}

// parseImports parses "dll:func,func[;dll:func,...]" into a library map.
func parseImports(spec string) (map[string][]string, error) {
	libraries := make(map[string][]string)
	for _, lib := range strings.Split(spec, ";") {
		lib = strings.TrimSpace(lib)
		if lib == "" {
			continue
		}
		parts := strings.SplitN(lib, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid import spec %q (want dll:func,func)", lib)
		}
		var funcs []string
		for _, fn := range strings.Split(parts[1], ",") {
			if fn = strings.TrimSpace(fn); fn != "" {
				funcs = append(funcs, fn)
			}
		}
		if len(funcs) == 0 {
			return nil, fmt.Errorf("import spec %q lists no functions", lib)
		}
		libraries[parts[0]] = funcs
	}
	if len(libraries) == 0 {
		return nil, fmt.Errorf("empty import spec")
	}
	return libraries, nil
}

// sectionPages returns the virtual space one section occupies: its size
// rounded up to the section alignment, or one page for an empty section.
func sectionPages(size int, align uint32) uint32 {
	if size == 0 {
		return align
	}
	return (uint32(size) + align - 1) & ^(align - 1)
}
