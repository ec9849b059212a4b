package ble

import (
	"testing"

	"go.viam.com/test"
)

func TestNormalizeBluezConfig(t *testing.T) {
	for _, tc := range []struct {
		name     string
		input    string
		expected string
	}{
		{
			name: "already correct",
			input: `[General]
Name = robot
JustWorksRepairing = always

[Policy]
AutoEnable=true
`,
			expected: `[General]
Name = robot
JustWorksRepairing = always

[Policy]
AutoEnable=true
`,
		},
		{
			name: "wrong value",
			input: `[General]
JustWorksRepairing = never
[Policy]
`,
			expected: `[General]
JustWorksRepairing = always
[Policy]
`,
		},
		{
			name: "missing key before next section",
			input: `[General]
#JustWorksRepairing = never
Name = robot
[Policy]
AutoEnable=true
`,
			expected: `[General]
#JustWorksRepairing = never
Name = robot

# wifi-provisioner requirements for bluetooth provisioning
JustWorksRepairing = always

[Policy]
AutoEnable=true
`,
		},
		{
			name: "general is last section",
			input: `[Policy]
AutoEnable=true

[General]
Name = robot
`,
			expected: `[Policy]
AutoEnable=true

[General]
Name = robot

# wifi-provisioner requirements for bluetooth provisioning
JustWorksRepairing = always
`,
		},
		{
			name: "no general section",
			input: `#[General]
[Policy]
AutoEnable=true
`,
			expected: `#[General]
[Policy]
AutoEnable=true

[General]

# wifi-provisioner requirements for bluetooth provisioning
JustWorksRepairing = always
`,
		},
		{
			name:  "empty file",
			input: "",
			expected: `[General]

# wifi-provisioner requirements for bluetooth provisioning
JustWorksRepairing = always
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := normalizeBluezConfig(tc.input)
			test.That(t, out, test.ShouldEqual, tc.expected)
			// a second pass never changes anything, so bluetoothd is only restarted once
			test.That(t, normalizeBluezConfig(out), test.ShouldEqual, out)
		})
	}
}

func TestGetSectionName(t *testing.T) {
	name, commented := getSectionName("[General]")
	test.That(t, name, test.ShouldEqual, "General")
	test.That(t, commented, test.ShouldBeFalse)

	name, commented = getSectionName("# [Policy]")
	test.That(t, name, test.ShouldEqual, "Policy")
	test.That(t, commented, test.ShouldBeTrue)

	name, _ = getSectionName("Name = robot")
	test.That(t, name, test.ShouldBeEmpty)
}

func TestGetKeyValue(t *testing.T) {
	key, value, commented := getKeyValue("JustWorksRepairing = always")
	test.That(t, key, test.ShouldEqual, "JustWorksRepairing")
	test.That(t, value, test.ShouldEqual, "always")
	test.That(t, commented, test.ShouldBeFalse)

	key, _, commented = getKeyValue("//JustWorksRepairing=never")
	test.That(t, key, test.ShouldEqual, "JustWorksRepairing")
	test.That(t, commented, test.ShouldBeTrue)
}
