package ble

import (
	"regexp"
	"slices"
	"strings"
)

const BluezConfigPath = "/etc/bluetooth/main.conf"

var (
	sectionRegex = regexp.MustCompile(`^\s*(#|//)?\s*\[(\w+)\]`)
	kvRegex      = regexp.MustCompile(`^\s*(#|//)?\s*(\w+)\s*=\s*(\w+)`)

	// settings the [General] section must carry for unauthenticated credential writes
	requiredGeneralSettings = []struct {
		key   string
		value string
	}{
		{"JustWorksRepairing", "always"},
	}
)

func getSectionName(line string) (string, bool) {
	matches := sectionRegex.FindStringSubmatch(line)
	if len(matches) != 3 {
		return "", false
	}
	return matches[2], matches[1] != ""
}

func getKeyValue(line string) (string, string, bool) {
	// submatches for comment, key, and value
	matches := kvRegex.FindStringSubmatch(line)
	if len(matches) != 4 {
		return "", "", false
	}
	return matches[2], matches[3], matches[1] != ""
}

// normalizeBluezConfig returns content with every required setting present and correct in the
// [General] section, adding the section if needed. Everything else is left untouched.
func normalizeBluezConfig(content string) string {
	lines := strings.Split(content, "\n")
	updatedLines := make([]string, 0, len(lines)+len(requiredGeneralSettings)+3)

	found := make([]bool, len(requiredGeneralSettings))
	var inGeneralSection, sawGeneralSection bool

	appendMissing := func() {
		var missing []string
		for i, setting := range requiredGeneralSettings {
			if !found[i] {
				missing = append(missing, setting.key+" = "+setting.value)
				found[i] = true
			}
		}
		if len(missing) == 0 {
			return
		}
		updatedLines = append(updatedLines, "", "# wifi-provisioner requirements for bluetooth provisioning")
		updatedLines = append(updatedLines, missing...)
		updatedLines = append(updatedLines, "")
	}

	for _, line := range lines {
		name, comment := getSectionName(line)
		if name != "" && !comment {
			if inGeneralSection {
				// about to leave the general section
				appendMissing()
				inGeneralSection = false
			}
			if name == "General" {
				inGeneralSection = true
				sawGeneralSection = true
			}
			updatedLines = append(updatedLines, line)
			continue
		}

		if inGeneralSection {
			key, value, comment := getKeyValue(line)
			if !comment && key != "" {
				replaced := false
				for i, setting := range requiredGeneralSettings {
					if key != setting.key {
						continue
					}
					found[i] = true
					if value != setting.value {
						updatedLines = append(updatedLines, setting.key+" = "+setting.value)
						replaced = true
					}
				}
				if replaced {
					continue
				}
			}
		}

		updatedLines = append(updatedLines, line)
	}

	if inGeneralSection && slices.Contains(found, false) {
		// [General] was the last section
		updatedLines = trimTrailingBlank(updatedLines)
		appendMissing()
	}

	if !sawGeneralSection {
		updatedLines = trimTrailingBlank(updatedLines)
		if len(updatedLines) > 0 {
			updatedLines = append(updatedLines, "")
		}
		updatedLines = append(updatedLines, "[General]")
		appendMissing()
	}

	return strings.Join(updatedLines, "\n")
}

func trimTrailingBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
