package compositor

import (
	"github.com/anyos-project/corekernel/pkg/kernelerr"
	"github.com/anyos-project/corekernel/pkg/wire"
)

// menuMagic is the 4-byte magic every menu blob starts with.
const menuMagic = "MENU"

// Menu item flag bits. An item with id 0 is a separator only when
// ItemFlagSeparator is set on it; otherwise id 0 is reserved and
// DecodeMenuBar rejects it.
const (
	ItemFlagSeparator uint32 = 1 << 0
	ItemFlagDisabled  uint32 = 1 << 1
	ItemFlagChecked   uint32 = 1 << 2
)

// MenuItem is one entry of a Menu.
type MenuItem struct {
	ID    uint32
	Flags uint32
	Label string
}

// Menu is one top-level menubar entry (e.g. "File") with its items.
type Menu struct {
	Name  string
	Items []MenuItem
}

// MenuBar is a window's full menu-bar definition, decoded from the
// transient SHM blob CMD_SET_MENU carries.
type MenuBar struct {
	Menus []Menu
}

// NewMenuBar returns an empty menu bar (a window with no SET_MENU yet has
// a nil *MenuBar, not an empty one; this constructor is for tests and for
// MenuBarBuilder).
func NewMenuBar() *MenuBar { return &MenuBar{} }

func (m *MenuBar) updateItemFlags(itemID int, newFlags uint32) {
	for mi := range m.Menus {
		for ii := range m.Menus[mi].Items {
			if int(m.Menus[mi].Items[ii].ID) == itemID {
				m.Menus[mi].Items[ii].Flags = newFlags
				return
			}
		}
	}
}

// MenuBarBuilder constructs a menu blob the way an app client would (a
// flat binary definition passed via transient SHM) without requiring a
// real SHM round trip; Encode returns the exact bytes CMD_SET_MENU's
// payload carries.
type MenuBarBuilder struct {
	bar MenuBar
}

// NewMenuBarBuilder starts an empty builder.
func NewMenuBarBuilder() *MenuBarBuilder { return &MenuBarBuilder{} }

// AddMenu appends a named top-level menu and returns its index for
// AddItem calls.
func (b *MenuBarBuilder) AddMenu(name string) int {
	b.bar.Menus = append(b.bar.Menus, Menu{Name: name})
	return len(b.bar.Menus) - 1
}

// AddItem appends an item to the menu at menuIndex.
func (b *MenuBarBuilder) AddItem(menuIndex int, id uint32, flags uint32, label string) {
	b.bar.Menus[menuIndex].Items = append(b.bar.Menus[menuIndex].Items, MenuItem{ID: id, Flags: flags, Label: label})
}

// Encode serializes the built menu bar: 'MENU' magic, menu count, then
// per menu a length-prefixed, 4-byte-padded name, an item count, and
// per item an id/flags/length-prefixed-padded label.
func (b *MenuBarBuilder) Encode() []byte {
	w := wire.NewWriter()
	w.Raw([]byte(menuMagic))
	w.U32(uint32(len(b.bar.Menus)))
	for _, menu := range b.bar.Menus {
		w.U32(uint32(len(menu.Name)))
		w.Raw([]byte(menu.Name))
		w.Pad4()
		w.U32(uint32(len(menu.Items)))
		for _, item := range menu.Items {
			w.U32(item.ID)
			w.U32(item.Flags)
			w.U32(uint32(len(item.Label)))
			w.Raw([]byte(item.Label))
			w.Pad4()
		}
	}
	return w.Bytes()
}

// DecodeMenuBar parses a CMD_SET_MENU blob. A menu item with id 0 and
// ItemFlagSeparator unset is rejected (reserved); a short/malformed
// buffer returns an error the caller treats as a malformed command and
// drops.
func DecodeMenuBar(data []byte) (*MenuBar, error) {
	r := wire.NewReader(data)
	magic, err := r.Raw(4)
	if err != nil || string(magic) != menuMagic {
		return nil, kernelerr.New("compositor", "decode_menu", kernelerr.CodeProtocol, "bad menu magic")
	}
	menuCount, err := r.U32()
	if err != nil {
		return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
	}

	bar := &MenuBar{}
	for i := uint32(0); i < menuCount; i++ {
		nameLen, err := r.U32()
		if err != nil {
			return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
		}
		nameBytes, err := r.Raw(int(nameLen))
		if err != nil {
			return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
		}
		if err := r.Pad4(); err != nil {
			return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
		}
		itemCount, err := r.U32()
		if err != nil {
			return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
		}

		menu := Menu{Name: string(nameBytes)}
		for j := uint32(0); j < itemCount; j++ {
			id, err := r.U32()
			if err != nil {
				return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
			}
			flags, err := r.U32()
			if err != nil {
				return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
			}
			if id == 0 && flags&ItemFlagSeparator == 0 {
				return nil, kernelerr.New("compositor", "decode_menu", kernelerr.CodeProtocol, "item id 0 is reserved unless SEPARATOR is set")
			}
			labelLen, err := r.U32()
			if err != nil {
				return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
			}
			labelBytes, err := r.Raw(int(labelLen))
			if err != nil {
				return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
			}
			if err := r.Pad4(); err != nil {
				return nil, kernelerr.Wrap("compositor", "decode_menu", kernelerr.CodeProtocol, err)
			}
			menu.Items = append(menu.Items, MenuItem{ID: id, Flags: flags, Label: string(labelBytes)})
		}
		bar.Menus = append(bar.Menus, menu)
	}
	return bar, nil
}
