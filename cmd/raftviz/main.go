// Command raftviz is a terminal dashboard over a set of raftd nodes'
// /status endpoints, refreshing on a timer the way the corpus's own
// cluster-state renderer redraws its table from polled node state.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type nodeStatus struct {
	ID       uint64 `json:"id"`
	State    string `json:"state"`
	Term     uint64 `json:"term"`
	LeaderID uint64 `json:"leader_id"`
	ErrMsg   string `json:"err_msg,omitempty"`
}

func main() {
	addrs := flag.String("admin-addrs", "", "comma-separated admin-addr values of the nodes to watch")
	interval := flag.Duration("interval", time.Second, "poll interval")
	flag.Parse()

	var targets []string
	for _, a := range strings.Split(*addrs, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		fmt.Println("raftviz: -admin-addrs is required, e.g. 127.0.0.1:9101,127.0.0.1:9102")
		return
	}

	app := tview.NewApplication()
	table := tview.NewTable().SetBorders(true)
	table.SetTitle(" raftviz ").SetBorder(true)

	drawHeader(table)

	go func() {
		client := &http.Client{Timeout: 2 * time.Second}
		for {
			rows := make([]nodeStatus, len(targets))
			for i, addr := range targets {
				rows[i] = fetchStatus(client, addr)
			}
			app.QueueUpdateDraw(func() { drawRows(table, targets, rows) })
			time.Sleep(*interval)
		}
	}()

	if err := app.SetRoot(table, true).Run(); err != nil {
		panic(err)
	}
}

func drawHeader(table *tview.Table) {
	headers := []string{"Admin Addr", "ID", "State", "Term", "Leader", "Error"}
	for col, h := range headers {
		table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}
}

func drawRows(table *tview.Table, targets []string, rows []nodeStatus) {
	for i, st := range rows {
		color := tcell.ColorWhite
		switch st.State {
		case "Leader":
			color = tcell.ColorGreen
		case "Candidate":
			color = tcell.ColorYellow
		case "":
			color = tcell.ColorRed
		}
		table.SetCell(i+1, 0, tview.NewTableCell(targets[i]))
		table.SetCell(i+1, 1, tview.NewTableCell(fmt.Sprintf("%d", st.ID)))
		table.SetCell(i+1, 2, tview.NewTableCell(st.State).SetTextColor(color))
		table.SetCell(i+1, 3, tview.NewTableCell(fmt.Sprintf("%d", st.Term)))
		table.SetCell(i+1, 4, tview.NewTableCell(fmt.Sprintf("%d", st.LeaderID)))
		table.SetCell(i+1, 5, tview.NewTableCell(st.ErrMsg).SetTextColor(tcell.ColorRed))
	}
}

func fetchStatus(client *http.Client, addr string) nodeStatus {
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return nodeStatus{State: "", ErrMsg: err.Error()}
	}
	defer resp.Body.Close()
	var st nodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nodeStatus{State: "", ErrMsg: err.Error()}
	}
	return st
}
