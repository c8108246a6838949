// File: internal/device/adb/uitree.go
package adb

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

var boundsPattern = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// ParseUITree converts a uiautomator dump into a UINode tree. Trailing text
// after the document (uiautomator prints a status line to the same stream)
// is ignored. A hierarchy with a single top-level node returns that node.
func ParseUITree(dump []byte) (*schemas.UINode, error) {
	end := bytes.LastIndex(dump, []byte("</hierarchy>"))
	if end < 0 {
		return nil, errors.New("uiautomator dump has no hierarchy element")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(dump[:end+len("</hierarchy>")]); err != nil {
		return nil, fmt.Errorf("failed to parse uiautomator dump: %w", err)
	}
	root := doc.SelectElement("hierarchy")
	if root == nil {
		return nil, errors.New("uiautomator dump has no hierarchy element")
	}

	children := root.SelectElements("node")
	if len(children) == 1 {
		return convertNode(children[0]), nil
	}
	top := &schemas.UINode{Class: "hierarchy"}
	for _, c := range children {
		top.Children = append(top.Children, convertNode(c))
	}
	return top, nil
}

func convertNode(el *etree.Element) *schemas.UINode {
	n := &schemas.UINode{
		Class:       el.SelectAttrValue("class", ""),
		Text:        el.SelectAttrValue("text", ""),
		ResourceID:  el.SelectAttrValue("resource-id", ""),
		ContentDesc: el.SelectAttrValue("content-desc", ""),
		Clickable:   el.SelectAttrValue("clickable", "false") == "true",
		Bounds:      parseBounds(el.SelectAttrValue("bounds", "")),
	}
	for _, c := range el.SelectElements("node") {
		n.Children = append(n.Children, convertNode(c))
	}
	return n
}

// parseBounds reads "[x1,y1][x2,y2]"; malformed bounds are zero.
func parseBounds(s string) [4]int {
	var b [4]int
	m := boundsPattern.FindStringSubmatch(s)
	if m == nil {
		return b
	}
	for i := range b {
		b[i], _ = strconv.Atoi(m[i+1])
	}
	return b
}
