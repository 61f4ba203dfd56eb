package structio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	chem "github.com/rmera/gochem"

	"flint/internal/apperr"
	"flint/internal/model"
)

// ReadLigand loads the reference ligand coordinates. The format is taken from
// the file extension: .sdf/.mol (V2000), .mol2, .pdb/.ent or .pdbqt.
func ReadLigand(path string) (model.Ligand, error) {
	if err := checkFile(path, "ligand"); err != nil {
		return model.Ligand{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return model.Ligand{}, apperr.Input(component, "open ligand "+path, err)
	}
	defer f.Close()

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	var (
		name  string
		atoms []model.Atom
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	switch format {
	case "sdf", "mol":
		name, atoms, err = parseMolfile(scanner)
	case "mol2":
		name, atoms, err = parseMol2(scanner)
	case "pdb", "ent":
		atoms, err = readPDBLigand(f)
	case "pdbqt":
		atoms, err = parsePDBQTAtoms(scanner)
	default:
		return model.Ligand{}, apperr.Input(component, fmt.Sprintf("unsupported ligand format %q", format), nil)
	}
	if err == nil {
		err = scanner.Err()
	}
	if err != nil {
		return model.Ligand{}, apperr.Input(component, "parse ligand "+path, err)
	}
	if len(atoms) == 0 {
		return model.Ligand{}, apperr.Input(component, fmt.Sprintf("ligand %s has no atoms", path), nil)
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return model.Ligand{Path: path, Format: format, Name: name, Atoms: atoms}, nil
}

// parseMolfile reads the first record of a V2000 molfile or SD file.
func parseMolfile(scanner *bufio.Scanner) (string, []model.Atom, error) {
	var header []string
	for len(header) < 4 && scanner.Scan() {
		header = append(header, scanner.Text())
	}
	if len(header) < 4 {
		return "", nil, fmt.Errorf("truncated molfile header")
	}
	counts := header[3]
	if strings.Contains(counts, "V3000") {
		return "", nil, fmt.Errorf("V3000 molfiles are not supported")
	}
	if len(counts) < 3 {
		return "", nil, fmt.Errorf("malformed counts line %q", counts)
	}
	natoms, err := strconv.Atoi(strings.TrimSpace(counts[:3]))
	if err != nil {
		return "", nil, fmt.Errorf("atom count: %w", err)
	}

	atoms := make([]model.Atom, 0, natoms)
	for i := 0; i < natoms; i++ {
		if !scanner.Scan() {
			return "", nil, fmt.Errorf("expected %d atoms, found %d", natoms, i)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			return "", nil, fmt.Errorf("malformed atom line %d", i+1)
		}
		xyz, err := parseXYZ(fields[0], fields[1], fields[2])
		if err != nil {
			return "", nil, fmt.Errorf("atom %d: %w", i+1, err)
		}
		atoms = append(atoms, model.Atom{
			Serial:    i + 1,
			Name:      fields[3],
			Element:   fields[3],
			X:         xyz[0],
			Y:         xyz[1],
			Z:         xyz[2],
			Occupancy: 1,
			Het:       true,
		})
	}
	return strings.TrimSpace(header[0]), atoms, nil
}

// parseMol2 reads the @<TRIPOS>MOLECULE name and ATOM section.
func parseMol2(scanner *bufio.Scanner) (string, []model.Atom, error) {
	var (
		name    string
		section string
		atoms   []model.Atom
		pending bool
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "@<TRIPOS>") {
			section = strings.TrimPrefix(line, "@<TRIPOS>")
			pending = section == "MOLECULE"
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch section {
		case "MOLECULE":
			if pending {
				name, pending = line, false
			}
		case "ATOM":
			fields := strings.Fields(line)
			if len(fields) < 6 {
				return "", nil, fmt.Errorf("malformed atom line %q", line)
			}
			serial, err := strconv.Atoi(fields[0])
			if err != nil {
				return "", nil, fmt.Errorf("atom id %q: %w", fields[0], err)
			}
			xyz, err := parseXYZ(fields[2], fields[3], fields[4])
			if err != nil {
				return "", nil, fmt.Errorf("atom %d: %w", serial, err)
			}
			element, _, _ := strings.Cut(fields[5], ".")
			atoms = append(atoms, model.Atom{
				Serial:    serial,
				Name:      fields[1],
				Element:   element,
				X:         xyz[0],
				Y:         xyz[1],
				Z:         xyz[2],
				Occupancy: 1,
				Het:       true,
			})
		}
	}
	return name, atoms, nil
}

// readPDBLigand reads every atom of the first model through goChem.
func readPDBLigand(r io.Reader) ([]model.Atom, error) {
	records, err := readAtomRecords(r)
	if err != nil {
		return nil, err
	}
	mol, err := chem.PDBRead(strings.NewReader(records.text))
	if err != nil {
		return nil, err
	}
	if len(mol.Coords) == 0 {
		return nil, fmt.Errorf("no coordinates")
	}
	coords := mol.Coords[0]
	atoms := make([]model.Atom, 0, mol.Len())
	for i := 0; i < mol.Len(); i++ {
		at := mol.Atom(i)
		atom := model.Atom{
			Serial:    at.ID,
			Name:      strings.TrimSpace(at.Name),
			Element:   at.Symbol,
			X:         coords.At(i, 0),
			Y:         coords.At(i, 1),
			Z:         coords.At(i, 2),
			Occupancy: 1,
			Het:       true,
		}
		if atom.Element == "" {
			atom.Element = elementOf(model.Atom{Name: atom.Name})
		}
		atoms = append(atoms, atom)
	}
	return atoms, nil
}

// parsePDBQTAtoms reads PDBQT ATOM/HETATM records by column. The AutoDock atom
// type in columns 77-78 is not an element symbol, and goChem reads it as one.
func parsePDBQTAtoms(scanner *bufio.Scanner) ([]model.Atom, error) {
	var atoms []model.Atom
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "ATOM") && !strings.HasPrefix(line, "HETATM") {
			continue
		}
		if len(line) < 54 {
			return nil, fmt.Errorf("short coordinate record %q", line)
		}
		xyz, err := parseXYZ(line[30:38], line[38:46], line[46:54])
		if err != nil {
			return nil, err
		}
		serial, _ := strconv.Atoi(strings.TrimSpace(line[6:11]))
		atom := model.Atom{
			Serial:    serial,
			Name:      strings.TrimSpace(line[12:16]),
			X:         xyz[0],
			Y:         xyz[1],
			Z:         xyz[2],
			Occupancy: 1,
			Het:       true,
		}
		if len(line) >= 78 {
			atom.Element = autodockElement(strings.TrimSpace(line[76:78]))
		}
		if atom.Element == "" {
			atom.Element = elementOf(model.Atom{Name: atom.Name})
		}
		atoms = append(atoms, atom)
	}
	return atoms, nil
}

// autodockElement maps AutoDock 4 atom types to element symbols.
func autodockElement(adType string) string {
	switch adType {
	case "A":
		return "C"
	case "OA", "OS":
		return "O"
	case "NA", "NS":
		return "N"
	case "HD", "HS":
		return "H"
	case "SA":
		return "S"
	}
	return adType
}

func parseXYZ(x, y, z string) (model.Vec3, error) {
	var out model.Vec3
	for i, raw := range []string{x, y, z} {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return out, fmt.Errorf("coordinate %q: %w", raw, err)
		}
		out[i] = v
	}
	return out, nil
}
