package browser

import (
	"encoding/json"
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"replaysaver/internal/battle"
	"replaysaver/internal/pipeline"
)

// pollScript installs the page hook on first use, then drains the event buffer and reports
// the room context. The hook survives until the next navigation; after that the next poll
// installs it again and rescans the battle logs already on screen.
const pollScript = `
() => {
	const w = window;
	if (!w.__replaysaverHooked) {
		w.__replaysaverHooked = true;
		w.__replaysaverEvents = [];
		const push = (ev) => {
			if (w.__replaysaverEvents.length < 5000) w.__replaysaverEvents.push(ev);
		};
		const roomOf = (node) => {
			const el = node.nodeType === 1 ? node : node.parentElement;
			const room = el && el.closest ? el.closest('[id^="room-battle-"]') : null;
			return room ? room.id : '';
		};
		const inLog = (node) => {
			const el = node.nodeType === 1 ? node : node.parentElement;
			if (!el || !el.closest || !el.closest('.battle-log')) return false;
			return !el.closest('.chat');
		};
		const scanRoom = (room) => {
			push({ type: 'room', room: room.id, text: '' });
			room.querySelectorAll('.battle-log .inner > *:not(.chat)').forEach((line) => {
				const text = (line.textContent || '').trim();
				if (text) push({ type: 'dom', room: room.id, text });
			});
		};
		document.querySelectorAll('[id^="room-battle-"]').forEach(scanRoom);

		const obs = new MutationObserver((mutations) => {
			for (const m of mutations) {
				for (const node of m.addedNodes) {
					try {
						if (node.nodeType === 1 && node.id && node.id.startsWith('room-battle-')) {
							push({ type: 'room', room: node.id, text: '' });
							continue;
						}
						if (!inLog(node)) continue;
						const text = (node.textContent || '').trim();
						if (text) push({ type: 'dom', room: roomOf(node), text });
					} catch (e) {}
				}
			}
		});
		obs.observe(document.body || document.documentElement, { childList: true, subtree: true });
	}

	const active = document.querySelector('.roomtab.cur');
	const visible = Array.from(document.querySelectorAll('[id^="room-battle-"]'))
		.find((el) => el.offsetParent !== null && el.style.display !== 'none');
	const events = w.__replaysaverEvents;
	w.__replaysaverEvents = [];
	return {
		hash: location.hash || '',
		path: location.pathname || '',
		active: active ? (active.getAttribute('data-target') || active.getAttribute('href') || '') : '',
		visible: visible ? visible.id : '',
		events,
	};
}
`

// metadataScript reads the trainer names of one battle room, falling back to the
// "A vs. B" line of its battle log.
const metadataScript = `
(id) => {
	const room = document.getElementById('room-' + id);
	if (!room) return { players: [] };
	const left = room.querySelector('.battle .leftbar .trainer');
	const right = room.querySelector('.battle .rightbar .trainer');
	if (left && right) {
		const a = (left.textContent || '').trim();
		const b = (right.textContent || '').trim();
		if (a && b) return { players: [a, b] };
	}
	const log = room.querySelector('.battle-log');
	const m = log ? (log.textContent || '').match(/(\w+) vs\. (\w+)/) : null;
	return { players: m ? [m[1], m[2]] : [] };
}
`

// chatSelector finds the visible chat box of a battle room.
func chatSelector(id battle.MatchID) string {
	return `#room-` + string(id) + ` .battle-log-add form.chatbox textarea.textbox:not([aria-hidden="true"])`
}

type hookEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Text string `json:"text"`
}

type pollResult struct {
	Hash    string      `json:"hash"`
	Path    string      `json:"path"`
	Active  string      `json:"active"`
	Visible string      `json:"visible"`
	Events  []hookEvent `json:"events"`
}

func decodePoll(raw []byte) (pollResult, error) {
	var r pollResult
	err := json.Unmarshal(raw, &r)
	return r, err
}

// context returns the battle the page is showing, by address, then active tab,
// then visible room.
func (r pollResult) context() (battle.MatchID, bool) {
	return battle.ResolveID(r.Hash, r.Path, r.Active, r.Visible)
}

// lines converts hook events. DOM text is attributed to the room it was added to and
// falls back to the page context.
func (r pollResult) lines(fallback battle.MatchID) []pipeline.Line {
	out := make([]pipeline.Line, 0, len(r.Events))
	for _, ev := range r.Events {
		room, ok := battle.ResolveID(ev.Room)
		if !ok {
			room = fallback
		}
		switch ev.Type {
		case "room":
			out = append(out, pipeline.Line{Source: battle.SourceRoom, Room: room})
		case "dom":
			out = append(out, pipeline.Line{Text: ev.Text, Source: battle.SourceDOM, Room: room})
		}
	}
	return out
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
