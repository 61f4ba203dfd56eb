package oracle

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errNoPoses = errors.New("no poses in docking output")

// ParseVinaTable extracts pose energies from the result table Vina prints to
// stdout:
//
//	mode |   affinity | dist from best mode
//	     | (kcal/mol) | rmsd l.b.| rmsd u.b.
//	-----+------------+----------+----------
//	   1       -7.2      0.000      0.000
func ParseVinaTable(output string) ([]float64, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	inTable := false
	var energies []float64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "-----+") {
			inTable = true
			continue
		}
		if !inTable {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			break
		}
		e, err := parseEnergy(fields[1])
		if err != nil {
			return nil, err
		}
		energies = append(energies, e)
	}
	if len(energies) == 0 {
		return nil, errNoPoses
	}
	return energies, nil
}

// ParseVinaPoses extracts pose energies from the REMARK VINA RESULT lines of
// a docked PDBQT file.
func ParseVinaPoses(pdbqt string) ([]float64, error) {
	var energies []float64
	scanner := bufio.NewScanner(strings.NewReader(pdbqt))
	for scanner.Scan() {
		rest, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "REMARK VINA RESULT:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		e, err := parseEnergy(fields[0])
		if err != nil {
			return nil, err
		}
		energies = append(energies, e)
	}
	if len(energies) == 0 {
		return nil, errNoPoses
	}
	return energies, nil
}

func parseEnergy(raw string) (float64, error) {
	e, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("affinity %q: %w", raw, err)
	}
	if math.IsNaN(e) || math.IsInf(e, 0) {
		return 0, fmt.Errorf("non-finite affinity %q", raw)
	}
	return e, nil
}
