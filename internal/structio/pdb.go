// Package structio converts between structure files and the in-memory
// receptor and ligand models.
package structio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	chem "github.com/rmera/gochem"
	v3 "github.com/rmera/gochem/v3"

	"flint/internal/apperr"
	"flint/internal/model"
)

const component = "structio"

// ReadReceptor loads a receptor PDB file. Hetero atoms (waters, bound
// ligands, ions) are dropped; the result carries the original id. Only the
// first model is read, with one alternate location per residue.
func ReadReceptor(path string) (*model.Structure, error) {
	if err := checkFile(path, "receptor"); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Input(component, "open receptor "+path, err)
	}
	defer f.Close()

	records, err := readAtomRecords(f)
	if err != nil {
		return nil, apperr.Input(component, fmt.Sprintf("parse receptor %s", path), err)
	}
	mol, err := chem.PDBRead(strings.NewReader(records.text))
	if err != nil {
		return nil, apperr.Input(component, fmt.Sprintf("parse receptor %s", path), err)
	}
	structure, err := fromMolecule(mol, records.insertionCodes)
	if err != nil {
		return nil, apperr.Input(component, fmt.Sprintf("receptor %s", path), err)
	}
	return structure, nil
}

// atomRecords is the ATOM/HETATM subset of a PDB file that goChem can parse:
// column 26 (insertion code) is blanked and kept aside per atom, in order.
type atomRecords struct {
	text           string
	insertionCodes []string
}

// readAtomRecords returns the coordinate records of the first model. Within a
// residue only the first alternate location id seen is kept.
func readAtomRecords(r io.Reader) (atomRecords, error) {
	var (
		out  strings.Builder
		recs atomRecords
	)
	altLocs := make(map[string]byte)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ENDMDL") {
			break
		}
		if !strings.HasPrefix(line, "ATOM") && !strings.HasPrefix(line, "HETATM") {
			continue
		}
		if len(line) < 54 {
			return atomRecords{}, fmt.Errorf("short coordinate record %q", line)
		}
		if alt := line[16]; alt != ' ' {
			// chain and residue number with insertion code
			residue := line[21:27]
			first, ok := altLocs[residue]
			if !ok {
				altLocs[residue], first = alt, alt
			}
			if alt != first {
				continue
			}
		}

		raw := []byte(line)
		raw[16] = ' '
		code := ""
		if len(raw) > 26 {
			code = strings.TrimSpace(string(raw[26]))
			raw[26] = ' '
		}
		recs.insertionCodes = append(recs.insertionCodes, code)
		out.Write(raw)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return atomRecords{}, err
	}
	if len(recs.insertionCodes) == 0 {
		return atomRecords{}, fmt.Errorf("no ATOM or HETATM records")
	}
	recs.text = out.String()
	return recs, nil
}

// fromMolecule groups the molecule's protein atoms into residues in file
// order. insertionCodes is aligned with the molecule's atom indices.
func fromMolecule(mol *chem.Molecule, insertionCodes []string) (*model.Structure, error) {
	if mol == nil || len(mol.Coords) == 0 {
		return nil, fmt.Errorf("molecule has no coordinates")
	}
	coords := mol.Coords[0]
	var bfactors []float64
	if len(mol.Bfactors) > 0 {
		bfactors = mol.Bfactors[0]
	}

	structure := &model.Structure{ID: model.OriginalID}
	var current *model.Residue
	for i := 0; i < mol.Len(); i++ {
		at := mol.Atom(i)
		if at.Het {
			continue
		}
		code := ""
		if i < len(insertionCodes) {
			code = insertionCodes[i]
		}
		name := strings.ToUpper(strings.TrimSpace(at.MolName))
		if current == nil || current.Chain != at.Chain || current.Position != at.MolID ||
			current.InsertionCode != code || current.Name != name {
			structure.Residues = append(structure.Residues, model.Residue{
				Chain:         at.Chain,
				Position:      at.MolID,
				InsertionCode: code,
				Name:          name,
			})
			current = &structure.Residues[len(structure.Residues)-1]
		}
		atom := model.Atom{
			Serial:    at.ID,
			Name:      strings.TrimSpace(at.Name),
			Element:   at.Symbol,
			X:         coords.At(i, 0),
			Y:         coords.At(i, 1),
			Z:         coords.At(i, 2),
			Occupancy: at.Occupancy,
		}
		if i < len(bfactors) {
			atom.BFactor = bfactors[i]
		}
		current.Atoms = append(current.Atoms, atom)
	}
	if len(structure.Residues) == 0 {
		return nil, fmt.Errorf("no protein residues")
	}
	return structure, nil
}

// WriteStructure writes s as a PDB file.
func WriteStructure(path string, s *model.Structure) error {
	if s == nil || s.AtomCount() == 0 {
		return fmt.Errorf("structure %q has no atoms", structureID(s))
	}
	atoms := make([]*chem.Atom, 0, s.AtomCount())
	data := make([]float64, 0, 3*s.AtomCount())
	bfactors := make([]float64, 0, s.AtomCount())
	codes := make([]string, 0, s.AtomCount())
	serial := 1
	for _, residue := range s.Residues {
		for _, atom := range residue.Atoms {
			if len(atom.Name) > 4 {
				return fmt.Errorf("atom name %q in %s is longer than 4 characters", atom.Name, residue.Key())
			}
			atoms = append(atoms, &chem.Atom{
				Name:      atom.Name,
				ID:        serial,
				MolName:   residue.Name,
				MolName1:  model.OneLetter(residue.Name),
				MolID:     residue.Position,
				Chain:     residue.Chain,
				Symbol:    elementOf(atom),
				Occupancy: occupancyOf(atom),
				Het:       atom.Het,
			})
			data = append(data, atom.X, atom.Y, atom.Z)
			bfactors = append(bfactors, atom.BFactor)
			codes = append(codes, residue.InsertionCode)
			serial++
		}
	}
	coords, err := v3.NewMatrix(data)
	if err != nil {
		return fmt.Errorf("build coordinates for %s: %w", structureID(s), err)
	}
	top := chem.NewTopology(0, 1, atoms)
	// PDBWrite drops per-line errors, so over-long names are rejected above.
	var buf bytes.Buffer
	if err := chem.PDBWrite(&buf, coords, top, bfactors); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(path, withInsertionCodes(buf.Bytes(), codes), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// withInsertionCodes puts codes[i] into column 26 of the i-th coordinate
// record; goChem's writer has no field for it.
func withInsertionCodes(pdb []byte, codes []string) []byte {
	lines := bytes.SplitAfter(pdb, []byte("\n"))
	i := 0
	for _, line := range lines {
		if !bytes.HasPrefix(line, []byte("ATOM")) && !bytes.HasPrefix(line, []byte("HETATM")) {
			continue
		}
		if i < len(codes) && codes[i] != "" && len(line) > 26 {
			line[26] = codes[i][0]
		}
		i++
	}
	return bytes.Join(lines, nil)
}

func checkFile(path, what string) error {
	if strings.TrimSpace(path) == "" {
		return apperr.Input(component, what+" path is required", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return apperr.Input(component, fmt.Sprintf("%s %s not readable", what, path), err)
	}
	if info.IsDir() {
		return apperr.Input(component, fmt.Sprintf("%s %s is a directory", what, path), nil)
	}
	if info.Size() == 0 {
		return apperr.Input(component, fmt.Sprintf("%s %s is empty", what, path), nil)
	}
	return nil
}

func elementOf(atom model.Atom) string {
	if atom.Element != "" {
		return atom.Element
	}
	name := strings.TrimLeft(atom.Name, "0123456789")
	if name == "" {
		return "C"
	}
	return name[:1]
}

func occupancyOf(atom model.Atom) float64 {
	if atom.Occupancy == 0 {
		return 1
	}
	return atom.Occupancy
}

func structureID(s *model.Structure) string {
	if s == nil {
		return ""
	}
	return s.ID
}
