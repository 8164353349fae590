// Package monitoring serves an HTTP inspector for a running kernel.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/Talon396/owlOS/mem/vm"
	"github.com/Talon396/owlOS/sim/id"
)

// FrameStats is what the monitor needs to know about the frame allocator.
type FrameStats interface {
	InUse() uint64
	Total() uint64
	Available() uint64
}

// Monitor turns a kernel into a server that can be inspected while it runs.
type Monitor struct {
	kernel     *vm.Kernel
	frames     FrameStats
	portNumber int
	ids        id.IDGenerator

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{ids: id.NewIDGenerator()}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterKernel sets the kernel whose address spaces are served.
func (m *Monitor) RegisterKernel(k *vm.Kernel) {
	m.kernel = k
}

// RegisterFrames sets the allocator whose usage is served.
func (m *Monitor) RegisterFrames(f FrameStats) {
	m.frames = f
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.ids.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/spaces", m.listSpaces)
	r.HandleFunc("/api/space/{id}", m.spaceDetails)
	r.HandleFunc("/api/space/{id}/mappings", m.spaceMappings)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/frames", m.frameUsage)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts the monitor as a web server and returns the port it
// listens on.
func (m *Monitor) StartServer() int {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port

	fmt.Fprintf(os.Stderr, "Monitoring kernel with http://localhost:%d\n", port)

	server := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := server.Serve(listener)
		dieOnErr(err)
	}()

	return port
}

type linkRsp struct {
	Slot   int    `json:"slot"`
	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`
}

type spaceRsp struct {
	ID     string    `json:"id"`
	Root   string    `json:"root"`
	Active bool      `json:"active"`
	Links  []linkRsp `json:"links"`
}

func (m *Monitor) summarize(as *vm.AddressSpace) spaceRsp {
	rsp := spaceRsp{
		ID:     as.ID(),
		Root:   fmt.Sprintf("0x%x", as.Root()),
		Active: m.kernel.CPU().TranslationBase() == as.Root(),
		Links:  []linkRsp{},
	}

	for slot := 0; slot < vm.KernelHalfStart; slot++ {
		link := as.Link(slot)
		if link.Kind == vm.LinkUnlinked {
			continue
		}

		rsp.Links = append(rsp.Links, linkRsp{
			Slot:   slot,
			Kind:   link.Kind.String(),
			Source: link.Source,
		})
	}

	return rsp
}

func (m *Monitor) listSpaces(w http.ResponseWriter, _ *http.Request) {
	spaces := m.kernel.Spaces()

	rsp := make([]spaceRsp, 0, len(spaces))
	for _, as := range spaces {
		rsp = append(rsp, m.summarize(as))
	}

	writeJSON(w, rsp)
}

func (m *Monitor) spaceDetails(w http.ResponseWriter, r *http.Request) {
	as := m.findSpaceOr404(w, mux.Vars(r)["id"])
	if as == nil {
		return
	}

	summary := m.summarize(as)

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&summary)
	serializer.SetMaxDepth(2)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type mappingRsp struct {
	VAddr string `json:"vaddr"`
	PAddr string `json:"paddr"`
	Size  uint64 `json:"size"`
	Flags string `json:"flags"`
}

func (m *Monitor) spaceMappings(w http.ResponseWriter, r *http.Request) {
	as := m.findSpaceOr404(w, mux.Vars(r)["id"])
	if as == nil {
		return
	}

	first, last, err := slotRange(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	rsp := []mappingRsp{}
	for _, mapping := range as.Mappings(first, last) {
		rsp = append(rsp, mappingRsp{
			VAddr: fmt.Sprintf("0x%x", mapping.VAddr),
			PAddr: fmt.Sprintf("0x%x", mapping.Entry.Address()),
			Size:  mapping.Size,
			Flags: mapping.Entry.Flags().String(),
		})
	}

	writeJSON(w, rsp)
}

// slotRange reads the first and last root slots of a mappings query. Only the
// user half is listed unless asked otherwise.
func slotRange(r *http.Request) (first, last int, err error) {
	first, last = 0, vm.KernelHalfStart-1

	if s := r.URL.Query().Get("first"); s != "" {
		first, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, err
		}
	}

	if s := r.URL.Query().Get("last"); s != "" {
		last, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, err
		}
	}

	if first < 0 || last >= vm.EntriesPerNode || first > last {
		return 0, 0, fmt.Errorf("invalid slot range %d-%d", first, last)
	}

	return first, last, nil
}

type fieldReq struct {
	SpaceID   string `json:"space_id,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	as := m.findSpaceOr404(w, req.SpaceID)
	if as == nil {
		return
	}

	summary := m.summarize(as)

	elem, err := m.walkFields(&summary, req.FieldName)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	writeJSON(w, elem.Interface())
}

type fieldFormatError struct {
	field string
}

func (e fieldFormatError) Error() string {
	return "cannot walk into field " + e.field
}

func (m *Monitor) walkFields(
	root interface{},
	fields string,
) (reflect.Value, error) {
	elem := reflect.ValueOf(root)

	fieldNames := strings.Split(fields, ".")

	for len(fieldNames) > 0 {
		switch elem.Kind() {
		case reflect.Ptr, reflect.Interface:
			elem = elem.Elem()
		case reflect.Struct:
			next := elem.FieldByName(fieldNames[0])
			if !next.IsValid() {
				return elem, fieldFormatError{fieldNames[0]}
			}

			elem = next
			fieldNames = fieldNames[1:]
		case reflect.Slice:
			index, err := strconv.Atoi(fieldNames[0])
			if err != nil || index < 0 || index >= elem.Len() {
				return elem, fieldFormatError{fieldNames[0]}
			}

			elem = elem.Index(index)
			fieldNames = fieldNames[1:]
		default:
			return elem, fieldFormatError{fieldNames[0]}
		}
	}

	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	return elem, nil
}

func (m *Monitor) findSpaceOr404(
	w http.ResponseWriter,
	spaceID string,
) *vm.AddressSpace {
	as, found := m.kernel.Lookup(spaceID)
	if !found {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Address space not found"))
		dieOnErr(err)

		return nil
	}

	return as
}

type frameRsp struct {
	InUse     uint64 `json:"in_use"`
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
}

func (m *Monitor) frameUsage(w http.ResponseWriter, _ *http.Request) {
	if m.frames == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, frameRsp{
		InUse:     m.frames.InUse(),
		Total:     m.frames.Total(),
		Available: m.frames.Available(),
	})
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	writeJSON(w, m.progressBars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
