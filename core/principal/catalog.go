package principal

import "sort"

// Modules
const (
	ModuleClasses       = "classes"
	ModuleStudents      = "eleves"
	ModuleTeachers      = "enseignants"
	ModuleGrades        = "notes"
	ModuleTimetables    = "emplois_du_temps"
	ModuleAttendance    = "presences"
	ModuleFinances      = "finances"
	ModuleLibrary       = "bibliotheque"
	ModuleCommunication = "communication"
)

type Module struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Profile is a named permission bundle. A tenant principal needs one to use the app.
type Profile struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Role    Role     `json:"role"`
	Modules []string `json:"modules"`
}

var (
	Modules = []Module{
		{Slug: ModuleClasses, Name: "Classes"},
		{Slug: ModuleStudents, Name: "Élèves"},
		{Slug: ModuleTeachers, Name: "Enseignants"},
		{Slug: ModuleGrades, Name: "Notes"},
		{Slug: ModuleTimetables, Name: "Emplois du temps"},
		{Slug: ModuleAttendance, Name: "Présences"},
		{Slug: ModuleFinances, Name: "Finances"},
		{Slug: ModuleLibrary, Name: "Bibliothèque"},
		{Slug: ModuleCommunication, Name: "Communication"},
	}

	Profiles = []Profile{
		{
			Code: "direction_complete", Name: "Direction (accès complet)", Role: RoleDirector,
			Modules: []string{
				ModuleClasses, ModuleStudents, ModuleTeachers, ModuleGrades, ModuleTimetables,
				ModuleAttendance, ModuleFinances, ModuleLibrary, ModuleCommunication,
			},
		},
		{
			Code: "enseignant_saisie_notes", Name: "Enseignant - saisie des notes", Role: RoleTeacher,
			Modules: []string{ModuleClasses, ModuleGrades, ModuleAttendance, ModuleTimetables},
		},
		{
			Code: "enseignant_consultation", Name: "Enseignant - consultation", Role: RoleTeacher,
			Modules: []string{ModuleClasses, ModuleTimetables},
		},
		{
			Code: "secretariat_inscriptions", Name: "Secrétariat - inscriptions", Role: RoleSecretary,
			Modules: []string{ModuleClasses, ModuleStudents, ModuleCommunication},
		},
		{
			Code: "comptabilite_finances", Name: "Comptabilité", Role: RoleAccountant,
			Modules: []string{ModuleFinances, ModuleStudents},
		},
		{
			Code: "parent_suivi", Name: "Parent - suivi scolaire", Role: RoleParent,
			Modules: []string{ModuleGrades, ModuleAttendance, ModuleCommunication},
		},
		{
			Code: "eleve_consultation", Name: "Élève - consultation", Role: RoleStudent,
			Modules: []string{ModuleGrades, ModuleTimetables, ModuleLibrary},
		},
	}

	moduleSlugs = getModuleSlugs()
	profileIdx  = getProfileIndex()
)

func getModuleSlugs() []string {
	slugs := make([]string, 0, len(Modules))
	for _, m := range Modules {
		slugs = append(slugs, m.Slug)
	}
	sort.Strings(slugs)
	return slugs
}

func getProfileIndex() map[string]Profile {
	idx := make(map[string]Profile, len(Profiles))
	for _, p := range Profiles {
		idx[p.Code] = p
	}
	return idx
}

func IsModule(slug string) bool {
	i := sort.SearchStrings(moduleSlugs, slug)
	return i < len(moduleSlugs) && moduleSlugs[i] == slug
}

func GetProfile(code string) (Profile, bool) {
	p, ok := profileIdx[code]
	return p, ok
}
